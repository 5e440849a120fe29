package chat

import (
	"context"
	"strings"
	"sync"

	"chatgate/internal/models"
)

// TokenProvider obtains bearer tokens for the signed-in principal.
type TokenProvider interface {
	// AccessToken returns a currently valid token for principal, refreshing silently
	// where it can. A nil principal yields ErrUnauthenticated.
	AccessToken(ctx context.Context, principal *models.Principal) (string, error)
	Login(ctx context.Context) (*models.Principal, error)
	Logout(ctx context.Context) error
}

// StaticTokenProvider serves a pre-issued token, e.g. one pasted from the browser login.
type StaticTokenProvider struct {
	token     string
	principal *models.Principal

	mu       sync.Mutex
	signedIn bool
}

func NewStaticTokenProvider(token string, principal *models.Principal) *StaticTokenProvider {
	if principal == nil {
		principal = &models.Principal{Username: "token-user"}
	}
	return &StaticTokenProvider{token: strings.TrimSpace(token), principal: principal}
}

func (p *StaticTokenProvider) Login(ctx context.Context) (*models.Principal, error) {
	if p.token == "" {
		return nil, &Error{Kind: KindAuthFailure, Message: "no access token configured"}
	}
	p.mu.Lock()
	p.signedIn = true
	p.mu.Unlock()
	return p.principal, nil
}

func (p *StaticTokenProvider) AccessToken(ctx context.Context, principal *models.Principal) (string, error) {
	if principal == nil {
		return "", ErrUnauthenticated
	}
	p.mu.Lock()
	signedIn := p.signedIn
	p.mu.Unlock()
	if !signedIn || p.token == "" {
		return "", &Error{Kind: KindAuthFailure, Message: "Authentication failed. Please sign in again."}
	}
	return p.token, nil
}

func (p *StaticTokenProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.signedIn = false
	p.mu.Unlock()
	return nil
}
