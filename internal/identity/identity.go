// Package identity integrates with the Microsoft identity platform: OAuth
// endpoints, ID token claims and Graph profile lookups.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"chatgate/internal/models"
)

const GraphUserReadScope = "https://graph.microsoft.com/User.Read"

var ErrMalformedIDToken = errors.New("malformed id token")

// Endpoint returns the OAuth endpoints of tenant. A non-empty authority
// (e.g. https://login.example.test/tenant) replaces the public cloud host.
func Endpoint(authority, tenant string) oauth2.Endpoint {
	var ep oauth2.Endpoint
	if authority = strings.TrimRight(strings.TrimSpace(authority), "/"); authority != "" {
		ep = oauth2.Endpoint{
			AuthURL:       authority + "/oauth2/v2.0/authorize",
			TokenURL:      authority + "/oauth2/v2.0/token",
			DeviceAuthURL: authority + "/oauth2/v2.0/devicecode",
		}
	} else {
		ep = microsoft.AzureADEndpoint(tenant)
		if ep.DeviceAuthURL == "" {
			ep.DeviceAuthURL = strings.TrimSuffix(ep.TokenURL, "/token") + "/devicecode"
		}
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

// Claims decodes the payload of a JWT without checking its signature. Only use it on
// tokens received directly from the token endpoint.
func Claims(rawToken string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIDToken, err)
	}
	return claims, nil
}

// PrincipalFromClaims maps standard and Entra ID claims onto a Principal.
func PrincipalFromClaims(claims map[string]any) *models.Principal {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := claims[k].(string); ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	}
	return &models.Principal{
		ID:       str("oid", "sub"),
		Name:     str("name"),
		Username: str("preferred_username", "upn", "email"),
		Email:    str("email", "preferred_username"),
	}
}

// PrincipalFromToken extracts the principal from the id_token of a token response.
func PrincipalFromToken(tok *oauth2.Token) (*models.Principal, map[string]any, error) {
	if tok == nil {
		return nil, nil, ErrMalformedIDToken
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, nil, fmt.Errorf("%w: token response carries no id_token", ErrMalformedIDToken)
	}
	claims, err := Claims(raw)
	if err != nil {
		return nil, nil, err
	}
	return PrincipalFromClaims(claims), claims, nil
}
