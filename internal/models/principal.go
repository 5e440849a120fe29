package models

import (
	"strings"
	"time"
)

// Principal is the identity of an authenticated caller as reported by the identity provider.
type Principal struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"displayName,omitempty"`
	Username string `json:"userPrincipalName,omitempty"`
	Email    string `json:"mail,omitempty"`
}

// Key is the stable identifier used for usage accounting and rate limiting.
func (p *Principal) Key() string {
	if p == nil {
		return "unknown"
	}
	for _, v := range []string{p.Username, p.Email, p.ID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return "unknown"
}

// DisplayName prefers the human name and falls back to the account key.
func (p *Principal) DisplayName() string {
	if p != nil && strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.Key()
}

// ModelDescriptor describes a model served by the inference runtime.
type ModelDescriptor struct {
	Name       string     `json:"name"`
	SizeBytes  int64      `json:"size"`
	ModifiedAt *time.Time `json:"modified_at"`
}
