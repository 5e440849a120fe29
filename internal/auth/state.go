package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const stateCookieMaxAge = 10 * 60

// SetStateCookie remembers the OAuth state for the callback to compare against.
func (s *Service) SetStateCookie(c *gin.Context, state string) {
	setCookie(c, &http.Cookie{
		Name:     s.stateCookieName,
		Value:    state,
		MaxAge:   stateCookieMaxAge,
		Path:     "/auth",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// VerifyState checks the callback state against the cookie and clears it.
func (s *Service) VerifyState(c *gin.Context, state string) bool {
	cookie, err := c.Cookie(s.stateCookieName)
	setCookie(c, &http.Cookie{
		Name:     s.stateCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/auth",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if err != nil || cookie == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie), []byte(state)) == 1
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
