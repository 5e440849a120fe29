package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/models"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
	MaxTemperature     = 2.0
)

// Config tunes a Controller. Zero values fall back to the defaults above.
type Config struct {
	DefaultModel string
	Temperature  float64
	MaxTokens    int
	Logger       *zerolog.Logger
	// Clock stamps messages; time.Now when nil.
	Clock func() time.Time
}

type modelList struct {
	seq   uint64
	items []models.ModelDescriptor
}

// Controller drives one conversation: it owns the session and performs one
// gateway exchange at a time on its behalf.
type Controller struct {
	gateway Gateway
	tokens  TokenProvider
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	principal *models.Principal
	session   *Session

	models   atomic.Pointer[modelList]
	fetchSeq atomic.Uint64
}

func NewController(gw Gateway, tokens TokenProvider, cfg Config) *Controller {
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	c := &Controller{
		gateway: gw,
		tokens:  tokens,
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     cfg.Clock,
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "chat").Logger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// SignIn runs the provider's login and starts a fresh session for the principal.
func (c *Controller) SignIn(ctx context.Context) (*models.Principal, error) {
	p, err := c.tokens.Login(ctx)
	if err != nil {
		return nil, authFailure(err)
	}
	if p == nil {
		return nil, authFailure(errors.New("login returned no principal"))
	}
	c.Attach(p)
	return p, nil
}

// Attach starts a fresh session for an already authenticated principal.
func (c *Controller) Attach(p *models.Principal) {
	c.mu.Lock()
	c.principal = p
	c.session = newSession(p, c.cfg.DefaultModel)
	c.mu.Unlock()
	c.log.Info().Str("user", p.Key()).Msg("session started")
}

// SignOut drops the session and model list. An in-flight outcome is discarded.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.principal = nil
	c.session = nil
	c.mu.Unlock()
	c.models.Store(&modelList{seq: c.fetchSeq.Add(1)})
	return c.tokens.Logout(ctx)
}

func (c *Controller) Principal() *models.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

type submitParams struct {
	model       string
	temperature float64
	maxTokens   int
}

// SubmitOption overrides a per-request parameter.
type SubmitOption func(*submitParams) error

func WithModel(name string) SubmitOption {
	return func(p *submitParams) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: model name is empty", ErrInvalidOption)
		}
		p.model = name
		return nil
	}
}

func WithTemperature(t float64) SubmitOption {
	return func(p *submitParams) error {
		if t < 0 || t > MaxTemperature {
			return fmt.Errorf("%w: temperature %.2f outside [0, %.0f]", ErrInvalidOption, t, MaxTemperature)
		}
		p.temperature = t
		return nil
	}
}

func WithMaxTokens(n int) SubmitOption {
	return func(p *submitParams) error {
		if n <= 0 {
			return fmt.Errorf("%w: max tokens must be positive", ErrInvalidOption)
		}
		p.maxTokens = n
		return nil
	}
}

// Result is the outcome of an accepted submission.
type Result struct {
	// Message is the assistant or error entry produced by the exchange.
	Message models.Message
	// Err is the classified failure, nil on success.
	Err error
	// Recorded is false when the session was cleared or replaced while the
	// exchange was in flight and the outcome was therefore dropped.
	Recorded bool
}

// Submit sends prompt to the gateway and appends the exchange to the session.
// The returned error is non-nil only when the submission was rejected without
// touching the session: not signed in, empty prompt, invalid option, or another
// submission still pending. Gateway and credential failures are reported through
// Result.Err and an error-role message instead.
func (c *Controller) Submit(ctx context.Context, prompt string, opts ...SubmitOption) (Result, error) {
	prompt = strings.TrimSpace(prompt)

	c.mu.Lock()
	sess, principal := c.session, c.principal
	if sess == nil || principal == nil {
		c.mu.Unlock()
		return Result{}, ErrUnauthenticated
	}
	if prompt == "" {
		c.mu.Unlock()
		return Result{}, ErrEmptyPrompt
	}
	if sess.phase == phasePending {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	params := submitParams{
		model:       sess.selectedModel,
		temperature: c.cfg.Temperature,
		maxTokens:   c.cfg.MaxTokens,
	}
	for _, opt := range opts {
		if err := opt(&params); err != nil {
			c.mu.Unlock()
			return Result{}, err
		}
	}
	if params.model == "" {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: no model selected", ErrInvalidOption)
	}

	sess.append(models.Message{Role: models.RoleUser, Content: prompt, Timestamp: c.now()})
	sess.phase = phasePending
	sess.lastError = nil
	gen := sess.generation
	c.mu.Unlock()

	msg, err := c.exchange(ctx, principal, ChatRequest{
		Prompt:      prompt,
		Model:       params.model,
		Temperature: params.temperature,
		MaxTokens:   params.maxTokens,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{Err: err}
	if c.session != sess {
		res.Message = msg
		return res, nil
	}
	sess.phase = phaseIdle
	if err != nil {
		sess.lastError = err
	}
	if sess.generation != gen {
		res.Message = msg
		return res, nil
	}
	res.Message = sess.append(msg)
	res.Recorded = true
	return res, nil
}

// exchange performs one gateway call and turns its outcome into a message.
func (c *Controller) exchange(ctx context.Context, principal *models.Principal, req ChatRequest) (models.Message, error) {
	start := time.Now()
	var reply *ChatReply
	token, err := c.tokens.AccessToken(ctx, principal)
	if err != nil {
		err = authFailure(err)
	} else {
		reply, err = c.gateway.Chat(ctx, token, req)
	}

	if err != nil {
		c.log.Warn().Err(err).Str("kind", KindOf(err).String()).Str("model", req.Model).Msg("chat exchange failed")
		return models.Message{Role: models.RoleError, Content: DisplayMessage(err), Timestamp: c.now()}, err
	}
	c.log.Debug().
		Str("model", reply.Model).
		Dur("processing_time", reply.ProcessingTime).
		Dur("elapsed", time.Since(start)).
		Msg("chat exchange completed")
	return models.Message{
		Role:           models.RoleAssistant,
		Content:        reply.Response,
		Timestamp:      c.now(),
		Model:          reply.Model,
		ProcessingTime: reply.ProcessingTime,
	}, nil
}

// RefreshModels replaces the known model list. A failure is recorded as the
// session's last error and leaves both the list and the history unchanged.
func (c *Controller) RefreshModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	principal := c.Principal()
	if principal == nil {
		return nil, ErrUnauthenticated
	}
	seq := c.fetchSeq.Add(1)

	token, err := c.tokens.AccessToken(ctx, principal)
	var list []models.ModelDescriptor
	if err != nil {
		err = authFailure(err)
	} else {
		list, err = c.gateway.Models(ctx, token)
	}
	if err != nil {
		c.mu.Lock()
		if c.session != nil {
			c.session.lastError = err
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("model refresh failed")
		return nil, err
	}

	next := &modelList{seq: seq, items: list}
	for {
		cur := c.models.Load()
		if cur != nil && cur.seq > seq {
			// A later refresh already landed.
			return c.Models(), nil
		}
		if c.models.CompareAndSwap(cur, next) {
			break
		}
	}
	c.log.Debug().Int("count", len(list)).Msg("model list refreshed")
	return c.Models(), nil
}

// Models returns a copy of the last confirmed model list.
func (c *Controller) Models() []models.ModelDescriptor {
	cur := c.models.Load()
	if cur == nil {
		return nil
	}
	out := make([]models.ModelDescriptor, len(cur.items))
	copy(out, cur.items)
	return out
}

// Clear empties the conversation. Selected model and model list are kept, and
// an exchange in flight is not recorded when it completes.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.clear()
	}
}

// SelectModel changes the model used by later submissions.
func (c *Controller) SelectModel(name string) error {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrUnauthenticated
	}
	if !c.knownModel(name) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	c.session.selectedModel = name
	return nil
}

func (c *Controller) knownModel(name string) bool {
	if name == "" {
		return false
	}
	cur := c.models.Load()
	if cur == nil || cur.items == nil {
		return name == c.cfg.DefaultModel
	}
	for _, m := range cur.items {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the session state; the zero State when signed out.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return State{}
	}
	return c.session.snapshot()
}
