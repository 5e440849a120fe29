package worker

import (
	"os"
	"strings"

	"chatgate/internal/logger"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CHATGATE_WORKER_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		logger.Debugf(format, args...)
	}
}
