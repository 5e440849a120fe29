package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Job is a unit of work owned by one caller key.
type Job struct {
	Type JobType
	Key  string

	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

func (j Job) execute() {
	if err := j.ctx.Err(); err != nil {
		j.result <- err
		return
	}
	defer func() {
		if r := recover(); r != nil {
			j.result <- fmt.Errorf("job for %s panicked: %v", j.Key, r)
		}
	}()
	j.result <- j.fn(j.ctx)
}
