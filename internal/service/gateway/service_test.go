package gateway

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/models"
	"chatgate/internal/ollama"
	"chatgate/internal/worker"
)

type fakeRuntime struct {
	mu       sync.Mutex
	models   []ollama.ModelInfo
	listErr  error
	genErr   error
	pingErr  error
	reply    *ollama.GenerateResponse
	requests []*ollama.GenerateRequest
	listHits int
}

func (f *fakeRuntime) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHits++
	return f.models, f.listErr
}

func (f *fakeRuntime) Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return &ollama.GenerateResponse{Response: "Hi", Done: true, Context: []int{7}}, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }

type recorder struct {
	mu      sync.Mutex
	records []models.UsageRecord
	err     error
}

func (r *recorder) Record(ctx context.Context, rec models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

var alice = &models.Principal{Name: "Alice", Username: "alice@example.com"}

func TestChatAppliesDefaultsAndRecordsUsage(t *testing.T) {
	rt := &fakeRuntime{}
	usage := &recorder{}
	svc := NewService(rt, Options{DefaultModel: "llama3.1:70b", Usage: usage})

	res, err := svc.Chat(context.Background(), Caller{Principal: alice, IPAddress: "10.0.0.1", UserAgent: "test"}, ChatRequest{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi", res.Response)
	assert.Equal(t, "llama3.1:70b", res.Model)
	assert.True(t, res.Done)
	assert.Equal(t, []int{7}, res.Context)
	assert.GreaterOrEqual(t, res.ProcessingTime, 0.0)

	require.Len(t, rt.requests, 1)
	req := rt.requests[0]
	assert.Equal(t, "Hello", req.Prompt)
	assert.False(t, req.Stream)
	require.NotNil(t, req.Options)
	assert.Equal(t, DefaultTemperature, *req.Options.Temperature)
	assert.Equal(t, DefaultMaxTokens, *req.Options.NumPredict)
	assert.Equal(t, DefaultTopP, *req.Options.TopP)

	require.Len(t, usage.records, 1)
	rec := usage.records[0]
	assert.Equal(t, "alice@example.com", rec.UserEmail)
	assert.Equal(t, "Alice", rec.UserName)
	assert.Equal(t, 5, rec.PromptLength)
	assert.Equal(t, 2, rec.ResponseLength)
	assert.Equal(t, "10.0.0.1", rec.IPAddress)
}

func TestChatHonoursOverrides(t *testing.T) {
	rt := &fakeRuntime{}
	svc := NewService(rt, Options{})

	temp, tokens, topP := 1.2, 64, 0.5
	_, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{
		Prompt: "x", Model: "mistral", Temperature: &temp, MaxTokens: &tokens, TopP: &topP,
	})
	require.NoError(t, err)
	req := rt.requests[0]
	assert.Equal(t, "mistral", req.Model)
	assert.Equal(t, 1.2, *req.Options.Temperature)
	assert.Equal(t, 64, *req.Options.NumPredict)
	assert.Equal(t, 0.5, *req.Options.TopP)
}

func TestChatRejectsBadInput(t *testing.T) {
	rt := &fakeRuntime{}
	svc := NewService(rt, Options{})

	_, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "   "})
	assert.ErrorIs(t, err, ErrPromptRequired)

	hot := 3.0
	_, err = svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x", Temperature: &hot})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	zero := 0
	_, err = svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x", MaxTokens: &zero})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	assert.Empty(t, rt.requests)
}

func TestChatClassifiesRuntimeErrors(t *testing.T) {
	usage := &recorder{}
	rt := &fakeRuntime{genErr: &ollama.ClientError{Type: ollama.ErrTypeTimeout, Message: "request timed out"}}
	svc := NewService(rt, Options{Usage: usage})

	_, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrRuntimeTimeout)

	rt.genErr = &ollama.ClientError{Type: ollama.ErrTypeModelNotFound, Message: "model not found"}
	_, err = svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrRuntimeFailed)

	assert.Empty(t, usage.records)
}

func TestChatUsageFailureIsNotSurfaced(t *testing.T) {
	svc := NewService(&fakeRuntime{}, Options{Usage: &recorder{err: errors.New("disk full")}})
	_, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x"})
	require.NoError(t, err)
}

func TestChatRunsThroughDispatcher(t *testing.T) {
	d := worker.NewDispatcher(1, 2, 4, time.Second)
	defer d.Close()
	rt := &fakeRuntime{}
	svc := NewService(rt, Options{Executor: d})

	res, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Hi", res.Response)
}

type busyExecutor struct{}

func (busyExecutor) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	return worker.ErrDispatcherBusy
}

func TestChatPassesBusyThrough(t *testing.T) {
	svc := NewService(&fakeRuntime{}, Options{Executor: busyExecutor{}})
	_, err := svc.Chat(context.Background(), Caller{Principal: alice}, ChatRequest{Prompt: "x"})
	assert.ErrorIs(t, err, worker.ErrDispatcherBusy)
}

func TestModels(t *testing.T) {
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rt := &fakeRuntime{models: []ollama.ModelInfo{
		{Name: "llama3.1:70b", Size: 40, ModifiedAt: modified},
		{Name: "mistral"},
	}}
	svc := NewService(rt, Options{})

	list, err := svc.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "llama3.1:70b", list[0].Name)
	assert.Equal(t, int64(40), list[0].SizeBytes)
	require.NotNil(t, list[0].ModifiedAt)
	assert.True(t, modified.Equal(*list[0].ModifiedAt))
	assert.Nil(t, list[1].ModifiedAt)
}

func TestModelsErrors(t *testing.T) {
	rt := &fakeRuntime{listErr: &ollama.ClientError{Type: ollama.ErrTypeNotRunning, Message: "down"}}
	svc := NewService(rt, Options{})
	_, err := svc.Models(context.Background())
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)

	rt.listErr = &ollama.ClientError{Type: ollama.ErrTypeInvalidResponse, Message: "bad status"}
	_, err = svc.Models(context.Background())
	assert.ErrorIs(t, err, ErrRuntimeFailed)
}

func TestHealth(t *testing.T) {
	svc := NewService(&fakeRuntime{}, Options{Database: fakePinger{}})
	report := svc.Health(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "healthy", report.Services["ollama"])
	assert.Equal(t, "healthy", report.Services["database"])
	assert.Equal(t, "1.0.0", report.Version)
	assert.Positive(t, report.System.CPUCount)

	svc = NewService(&fakeRuntime{pingErr: errors.New("down")}, Options{Database: fakePinger{err: sql.ErrConnDone}})
	report = svc.Health(context.Background())
	assert.Equal(t, "unhealthy", report.Services["ollama"])
	assert.Equal(t, "unhealthy", report.Services["database"])
}
