package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"chatgate/internal/identity"
	"chatgate/internal/models"
)

// DeviceFlowProvider signs in with the OAuth device authorization grant and keeps
// the resulting token fresh through its refresh token.
type DeviceFlowProvider struct {
	config *oauth2.Config
	// prompt shows the user code and verification URL.
	prompt func(*oauth2.DeviceAuthResponse)
	// Interactive allows AccessToken to rerun the device flow when silent refresh fails.
	Interactive bool

	mu        sync.Mutex
	source    oauth2.TokenSource
	principal *models.Principal
}

func NewDeviceFlowProvider(cfg *oauth2.Config, prompt func(*oauth2.DeviceAuthResponse)) *DeviceFlowProvider {
	return &DeviceFlowProvider{config: cfg, prompt: prompt, Interactive: true}
}

func (p *DeviceFlowProvider) Login(ctx context.Context) (*models.Principal, error) {
	da, err := p.config.DeviceAuth(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuthFailure, Message: "Could not start sign-in.", Cause: err}
	}
	if p.prompt != nil {
		p.prompt(da)
	}
	tok, err := p.config.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, authFailure(err)
	}

	principal, _, err := identity.PrincipalFromToken(tok)
	if err != nil {
		// Scopes without openid yield no id_token; the session still works.
		principal = &models.Principal{}
	}

	p.mu.Lock()
	p.source = p.config.TokenSource(context.WithoutCancel(ctx), tok)
	p.principal = principal
	p.mu.Unlock()
	return principal, nil
}

func (p *DeviceFlowProvider) AccessToken(ctx context.Context, principal *models.Principal) (string, error) {
	if principal == nil {
		return "", ErrUnauthenticated
	}
	token, err := p.silent()
	if err == nil {
		return token, nil
	}
	if !p.Interactive {
		return "", authFailure(err)
	}
	again, lerr := p.Login(ctx)
	if lerr != nil {
		return "", authFailure(lerr)
	}
	if again.Key() != principal.Key() {
		// Another account signed in; its token must not serve this session.
		_ = p.Logout(ctx)
		return "", authFailure(fmt.Errorf("signed in as %s, session belongs to %s", again.Key(), principal.Key()))
	}
	token, err = p.silent()
	if err != nil {
		return "", authFailure(err)
	}
	return token, nil
}

// silent returns the cached token, refreshing it when expired.
func (p *DeviceFlowProvider) silent() (string, error) {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return "", errors.New("no cached credential")
	}
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	if !tok.Valid() {
		return "", errors.New("token source returned an invalid token")
	}
	return tok.AccessToken, nil
}

func (p *DeviceFlowProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.source = nil
	p.principal = nil
	p.mu.Unlock()
	return nil
}
