package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatgate/internal/models"
)

const DefaultProfileURL = "https://graph.microsoft.com/v1.0/me"

// ErrInvalidToken means the provider rejected the bearer token.
var ErrInvalidToken = errors.New("invalid or expired token")

// GraphVerifier validates bearer tokens by fetching the caller's Graph profile.
type GraphVerifier struct {
	profileURL string
	client     *http.Client
}

func NewGraphVerifier(profileURL string, timeout time.Duration) *GraphVerifier {
	if profileURL == "" {
		profileURL = DefaultProfileURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphVerifier{
		profileURL: profileURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (g *GraphVerifier) Profile(ctx context.Context, token string) (*models.Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, ErrInvalidToken
	}
	var principal models.Principal
	if err := json.NewDecoder(resp.Body).Decode(&principal); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &principal, nil
}
