package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatgate/internal/models"
)

const principalContextKey = "auth_principal"

// Middleware validates bearer tokens (or API keys) and stores the principal in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := strings.TrimSpace(c.GetHeader(s.apiKeyHeader)); key != "" && s.keys != nil {
			principal, err := s.keys.Validate(c.Request.Context(), key)
			if err != nil {
				if !errors.Is(err, ErrInvalidAPIKey) {
					s.log.Error().Err(err).Msg("api key validation failed")
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			c.Set(principalContextKey, principal)
			c.Next()
			return
		}

		token := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No valid token provided"})
			return
		}
		principal, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				return
			}
			s.log.Error().Err(err).Msg("token validation error")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// RequireAdmin restricts a route to the listed principals. An empty list allows every
// authenticated caller.
func RequireAdmin(admins []string) gin.HandlerFunc {
	return requireAdmin(admins, true)
}

// RequireConfiguredAdmin restricts a route to the listed principals and denies
// everyone when the list is empty.
func RequireConfiguredAdmin(admins []string) gin.HandlerFunc {
	return requireAdmin(admins, false)
}

func requireAdmin(admins []string, openWhenEmpty bool) gin.HandlerFunc {
	allowed := adminSet(admins)
	return func(c *gin.Context) {
		if len(allowed) == 0 && openWhenEmpty {
			c.Next()
			return
		}
		principal, _ := PrincipalFromContext(c)
		if allowed.contains(principal) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
	}
}

// IsAdmin reports whether p is named in admins. An empty list names nobody.
func IsAdmin(admins []string, p *models.Principal) bool {
	return adminSet(admins).contains(p)
}

type adminList map[string]struct{}

func adminSet(list []string) adminList {
	set := make(adminList, len(list))
	for _, a := range list {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}

func (a adminList) contains(p *models.Principal) bool {
	if p == nil {
		return false
	}
	for _, id := range []string{p.Username, p.Email} {
		if id == "" {
			continue
		}
		if _, hit := a[strings.ToLower(id)]; hit {
			return true
		}
	}
	return false
}

// PrincipalFromContext retrieves the authenticated principal from the gin context.
func PrincipalFromContext(c *gin.Context) (*models.Principal, bool) {
	val, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	p, ok := val.(*models.Principal)
	return p, ok && p != nil
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
