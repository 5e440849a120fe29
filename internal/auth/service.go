package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"chatgate/internal/config"
	"chatgate/internal/identity"
	"chatgate/internal/logger"
	"chatgate/internal/models"
	"chatgate/internal/redis"
)

var (
	// ErrInvalidToken means the identity provider rejected the token.
	ErrInvalidToken  = identity.ErrInvalidToken
	ErrTokenRequired = errors.New("token required")
)

const tokenCachePrefix = "chatgate:auth:"

// Verifier resolves a bearer token to the caller's profile.
type Verifier interface {
	Profile(ctx context.Context, token string) (*models.Principal, error)
}

// Service validates bearer tokens and drives the authorization-code login.
type Service struct {
	verifier        Verifier
	keys            *KeyStore
	cache           *redis.Client
	cacheTTL        time.Duration
	oauth           *oauth2.Config
	headerName      string
	apiKeyHeader    string
	stateCookieName string
	log             zerolog.Logger
}

// NewService builds the auth service. cache and keys may be nil.
func NewService(verifier Verifier, cache *redis.Client, keys *KeyStore, cfg config.IdentityConfig) *Service {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{identity.GraphUserReadScope}
	}
	return &Service{
		verifier: verifier,
		keys:     keys,
		cache:    cache,
		cacheTTL: cfg.CacheTTL(),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     identity.Endpoint(cfg.Authority, cfg.TenantID),
		},
		headerName:      "Authorization",
		apiKeyHeader:    "X-API-Key",
		stateCookieName: "oauth_state",
		log:             logger.Component("auth"),
	}
}

// ValidateToken resolves token to a principal, consulting the cache first.
func (s *Service) ValidateToken(ctx context.Context, token string) (*models.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	key := tokenCachePrefix + hashToken(token)
	if p, ok := s.cachedPrincipal(ctx, key); ok {
		return p, nil
	}

	principal, err := s.verifier.Profile(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
		return nil, fmt.Errorf("validate token: %w", err)
	}
	s.storePrincipal(ctx, key, principal)
	return principal, nil
}

func (s *Service) cachedPrincipal(ctx context.Context, key string) (*models.Principal, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.Warn().Err(err).Msg("token cache read failed")
		}
		return nil, false
	}
	var p models.Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (s *Service) storePrincipal(ctx context.Context, key string, p *models.Principal) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("token cache write failed")
	}
}

// NewState returns a random value binding a login attempt to its callback.
func (s *Service) NewState() (string, error) {
	return generateToken()
}

// AuthCodeURL is the identity provider URL that starts an interactive login.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// LoginResult is what a completed authorization-code exchange yields.
type LoginResult struct {
	Token     *oauth2.Token
	Principal *models.Principal
	Claims    map[string]any
}

// Exchange trades an authorization code for tokens.
func (s *Service) Exchange(ctx context.Context, code string) (*LoginResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("authorization code required")
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	res := &LoginResult{Token: tok, Claims: map[string]any{}}
	if p, claims, err := identity.PrincipalFromToken(tok); err == nil {
		res.Principal = p
		res.Claims = claims
	} else {
		s.log.Debug().Err(err).Msg("token response without usable id_token")
	}
	return res, nil
}

// Keys exposes the API key store, nil when disabled.
func (s *Service) Keys() *KeyStore {
	return s.keys
}

// StateCookieName returns the cookie carrying the OAuth state.
func (s *Service) StateCookieName() string {
	return s.stateCookieName
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
