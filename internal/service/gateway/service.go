package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/logger"
	"chatgate/internal/models"
	"chatgate/internal/ollama"
	"chatgate/internal/redis"
	"chatgate/internal/worker"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
	DefaultTopP        = 0.9

	modelCacheKey = "chatgate:models"
)

var (
	ErrPromptRequired     = errors.New("prompt is required")
	ErrRuntimeUnavailable = errors.New("inference runtime unavailable")
	ErrRuntimeTimeout     = errors.New("inference runtime timed out")
	ErrRuntimeFailed      = errors.New("inference runtime error")
	ErrInvalidOptions     = errors.New("invalid generation options")
)

// Runtime is the inference backend, satisfied by *ollama.Client.
type Runtime interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.GenerateResponse, error)
	Ping(ctx context.Context) error
}

// Executor runs fn on behalf of a caller key, satisfied by *worker.Dispatcher.
type Executor interface {
	Do(ctx context.Context, key string, fn func(context.Context) error) error
}

type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options wires the optional collaborators of the service.
type Options struct {
	DefaultModel  string
	Executor      Executor
	Usage         UsageRecorder
	Database      Pinger
	Cache         *redis.Client
	ModelCacheTTL time.Duration
	Version       string
}

// Service proxies chat and model requests to the inference runtime.
type Service struct {
	runtime      Runtime
	exec         Executor
	usage        UsageRecorder
	db           Pinger
	cache        *redis.Client
	cacheTTL     time.Duration
	defaultModel string
	version      string
	now          func() time.Time
	log          zerolog.Logger
}

func NewService(runtime Runtime, opts Options) *Service {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "llama3.1:70b"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Service{
		runtime:      runtime,
		exec:         opts.Executor,
		usage:        opts.Usage,
		db:           opts.Database,
		cache:        opts.Cache,
		cacheTTL:     opts.ModelCacheTTL,
		defaultModel: opts.DefaultModel,
		version:      opts.Version,
		now:          time.Now,
		log:          logger.Component("gateway"),
	}
}

func (s *Service) DefaultModel() string {
	return s.defaultModel
}

// Caller identifies who issued a request.
type Caller struct {
	Principal *models.Principal
	IPAddress string
	UserAgent string
}

// ChatRequest mirrors the JSON body of POST /api/chat. Nil fields take defaults.
type ChatRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	TopP        *float64 `json:"top_p"`
	// Stream is accepted for compatibility; replies are always complete.
	Stream bool `json:"stream"`
}

type ChatResult struct {
	Response       string  `json:"response"`
	Model          string  `json:"model"`
	ProcessingTime float64 `json:"processing_time"`
	Done           bool    `json:"done"`
	Context        []int   `json:"context"`
}

// Chat forwards one prompt to the runtime and records its usage.
func (s *Service) Chat(ctx context.Context, caller Caller, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	genReq, err := s.buildRequest(req)
	if err != nil {
		return nil, err
	}

	start := s.now()
	var resp *ollama.GenerateResponse
	run := func(ctx context.Context) error {
		var err error
		resp, err = s.runtime.Generate(ctx, genReq)
		return err
	}
	if s.exec != nil {
		err = s.exec.Do(ctx, caller.Principal.Key(), run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, s.classify(caller, err)
	}
	elapsed := s.now().Sub(start).Seconds()

	result := &ChatResult{
		Response:       resp.Response,
		Model:          genReq.Model,
		ProcessingTime: elapsed,
		Done:           resp.Done,
		Context:        resp.Context,
	}
	if result.Context == nil {
		result.Context = []int{}
	}
	s.recordUsage(ctx, caller, genReq, result)
	return result, nil
}

func (s *Service) buildRequest(req ChatRequest) (*ollama.GenerateRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.defaultModel
	}
	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if temperature < 0 || temperature > 2 {
		return nil, fmt.Errorf("%w: temperature %.2f outside [0, 2]", ErrInvalidOptions, temperature)
	}
	maxTokens := DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens must be positive", ErrInvalidOptions)
	}
	topP := DefaultTopP
	if req.TopP != nil {
		topP = *req.TopP
	}
	if topP <= 0 || topP > 1 {
		return nil, fmt.Errorf("%w: top_p %.2f outside (0, 1]", ErrInvalidOptions, topP)
	}
	return &ollama.GenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Options: &ollama.Options{
			Temperature: &temperature,
			NumPredict:  &maxTokens,
			TopP:        &topP,
		},
	}, nil
}

func (s *Service) classify(caller Caller, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), ollama.IsTimeout(err):
		s.log.Warn().Str("user", caller.Principal.Key()).Msg("generation timed out")
		return fmt.Errorf("%w: %v", ErrRuntimeTimeout, err)
	case errors.Is(err, ErrInvalidOptions):
		return err
	case isPassthrough(err):
		return err
	default:
		s.log.Error().Err(err).Str("user", caller.Principal.Key()).Msg("generation failed")
		return fmt.Errorf("%w: %v", ErrRuntimeFailed, err)
	}
}

func (s *Service) recordUsage(ctx context.Context, caller Caller, req *ollama.GenerateRequest, res *ChatResult) {
	if s.usage == nil {
		return
	}
	p := caller.Principal
	rec := models.UsageRecord{
		UserEmail:      p.Key(),
		Model:          req.Model,
		PromptLength:   len([]rune(req.Prompt)),
		ResponseLength: len([]rune(res.Response)),
		ProcessingTime: res.ProcessingTime,
		Timestamp:      s.now(),
		IPAddress:      caller.IPAddress,
		UserAgent:      caller.UserAgent,
	}
	if p != nil {
		rec.UserName = p.Name
	}
	if err := s.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error().Err(err).Str("user", rec.UserEmail).Msg("failed to log usage")
		return
	}
	s.log.Info().
		Str("user", rec.UserEmail).
		Str("model", rec.Model).
		Float64("processing_time", rec.ProcessingTime).
		Msg("usage logged")
}

// Models lists the runtime's models, served from redis while the cached copy is fresh.
func (s *Service) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	if cached, ok := s.cachedModels(ctx); ok {
		return cached, nil
	}
	infos, err := s.runtime.ListModels(ctx)
	if err != nil {
		if ollama.IsNotRunning(err) || ollama.IsTimeout(err) {
			s.log.Error().Err(err).Msg("runtime unreachable while listing models")
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		s.log.Error().Err(err).Msg("models request failed")
		return nil, fmt.Errorf("%w: %v", ErrRuntimeFailed, err)
	}
	out := make([]models.ModelDescriptor, 0, len(infos))
	for _, info := range infos {
		d := models.ModelDescriptor{Name: info.Name, SizeBytes: info.Size}
		if !info.ModifiedAt.IsZero() {
			t := info.ModifiedAt
			d.ModifiedAt = &t
		}
		out = append(out, d)
	}
	s.storeModels(ctx, out)
	return out, nil
}

func (s *Service) cachedModels(ctx context.Context) ([]models.ModelDescriptor, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, modelCacheKey)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.Warn().Err(err).Msg("model cache read failed")
		}
		return nil, false
	}
	var list []models.ModelDescriptor
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, false
	}
	return list, true
}

func (s *Service) storeModels(ctx context.Context, list []models.ModelDescriptor) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, modelCacheKey, data, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("model cache write failed")
	}
}

// isPassthrough reports errors the caller maps on its own.
func isPassthrough(err error) bool {
	return errors.Is(err, worker.ErrDispatcherBusy) ||
		errors.Is(err, worker.ErrDispatcherClosed) ||
		errors.Is(err, context.Canceled)
}
