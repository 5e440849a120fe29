package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chatgate/internal/ollama"
	"chatgate/internal/redis"
)

func TestModelsServedFromCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed gateway tests")
	}
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: addr}))
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, modelCacheKey))

	rt := &fakeRuntime{models: []ollama.ModelInfo{{Name: "m1"}}}
	svc := NewService(rt, Options{Cache: client, ModelCacheTTL: time.Minute})

	first, err := svc.Models(ctx)
	require.NoError(t, err)
	rt.models = []ollama.ModelInfo{{Name: "m2"}}
	second, err := svc.Models(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, rt.listHits)
	require.NoError(t, client.Del(ctx, modelCacheKey))
}
