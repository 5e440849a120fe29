package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatgate/internal/auth"
	"chatgate/internal/config"
	"chatgate/internal/logger"
	"chatgate/internal/models"
	"chatgate/internal/service/gateway"
	"chatgate/internal/worker"
)

const usageWindow = 24 * time.Hour

// ChatService is the gateway core, satisfied by *gateway.Service.
type ChatService interface {
	Models(ctx context.Context) ([]models.ModelDescriptor, error)
	Chat(ctx context.Context, caller gateway.Caller, req gateway.ChatRequest) (*gateway.ChatResult, error)
	Health(ctx context.Context) gateway.HealthReport
}

type UsageReporter interface {
	Report(ctx context.Context, window time.Duration, topUsers int) (*models.UsageReport, error)
}

// Handler wires HTTP routes to the gateway, auth and usage services.
type Handler struct {
	chat    ChatService
	auth    *auth.Service
	usage   UsageReporter
	limiter *RateLimiter
	origins []string
	admins  []string
	log     zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chat ChatService, authService *auth.Service, usage UsageReporter, cfg *config.Config) *Handler {
	return &Handler{
		chat:    chat,
		auth:    authService,
		usage:   usage,
		limiter: NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		origins: cfg.Server.AllowedOrigins,
		admins:  cfg.Server.Admins,
		log:     logger.Component("api"),
	}
}

// RegisterRoutes attaches middleware and all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestLogger(h.log), gin.Recovery(), CORS(h.origins))

	router.GET("/health", h.health)
	router.GET("/auth/login", h.login)
	router.GET("/auth/callback", h.callback)

	api := router.Group("/api")
	api.Use(h.auth.Middleware(), h.limiter.Middleware())
	api.GET("/models", h.listModels)
	api.POST("/chat", h.chatCompletion)
	api.GET("/user/profile", h.profile)

	admin := api.Group("/admin")
	admin.GET("/usage", auth.RequireAdmin(h.admins), h.usageStats)

	// Keys let their holder act as another user, so they need a named admin.
	keys := admin.Group("/keys", auth.RequireConfiguredAdmin(h.admins))
	keys.GET("", h.listKeys)
	keys.POST("", h.issueKey)
	keys.DELETE("/:id", h.revokeKey)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.Health(c.Request.Context()))
}

func (h *Handler) login(c *gin.Context) {
	state, err := h.auth.NewState()
	if err != nil {
		h.log.Error().Err(err).Msg("login state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	h.auth.SetStateCookie(c, state)
	c.JSON(http.StatusOK, gin.H{"auth_url": h.auth.AuthCodeURL(state)})
}

func (h *Handler) callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No authorization code"})
		return
	}
	if !h.auth.VerifyState(c, c.Query("state")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state"})
		return
	}
	res, err := h.auth.Exchange(c.Request.Context(), code)
	if err != nil || res.Token.AccessToken == "" {
		h.log.Warn().Err(err).Msg("authorization code exchange failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed"})
		return
	}
	expiresIn := 0
	if !res.Token.Expiry.IsZero() {
		expiresIn = int(time.Until(res.Token.Expiry).Seconds())
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": res.Token.AccessToken,
		"expires_in":   expiresIn,
		"user_info":    res.Claims,
	})
}

func (h *Handler) listModels(c *gin.Context) {
	list, err := h.chat.Models(c.Request.Context())
	if err != nil {
		if errors.Is(err, gateway.ErrRuntimeUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch models"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

func (h *Handler) chatCompletion(c *gin.Context) {
	var req gateway.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	principal, _ := auth.PrincipalFromContext(c)
	caller := gateway.Caller{
		Principal: principal,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	res, err := h.chat.Chat(c.Request.Context(), caller, req)
	if err != nil {
		status, msg := chatErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, res)
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrPromptRequired):
		return http.StatusBadRequest, "Prompt is required"
	case errors.Is(err, gateway.ErrInvalidOptions):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "Service unavailable"
	case errors.Is(err, gateway.ErrRuntimeTimeout):
		return http.StatusGatewayTimeout, "Request timeout - try a shorter prompt or different model"
	case errors.Is(err, gateway.ErrRuntimeFailed):
		return http.StatusInternalServerError, "LLM service error"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *Handler) profile(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No valid token provided"})
		return
	}
	c.JSON(http.StatusOK, principal)
}

func (h *Handler) usageStats(c *gin.Context) {
	if h.usage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage tracking disabled"})
		return
	}
	report, err := h.usage.Report(c.Request.Context(), usageWindow, 10)
	if err != nil {
		h.log.Error().Err(err).Msg("usage stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type issueKeyRequest struct {
	UserEmail   string `json:"user_email"`
	Description string `json:"description"`
}

func (h *Handler) issueKey(c *gin.Context) {
	keys := h.auth.Keys()
	if keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "API keys disabled"})
		return
	}
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserEmail) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_email is required"})
		return
	}
	caller, _ := auth.PrincipalFromContext(c)
	if !ownsEmail(caller, req.UserEmail) && !auth.IsAdmin(h.admins, caller) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot issue keys for another user"})
		return
	}
	key, plain, err := keys.Issue(c.Request.Context(), req.UserEmail, req.Description)
	if err != nil {
		h.log.Error().Err(err).Msg("issue api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": plain, "details": key})
}

func ownsEmail(p *models.Principal, email string) bool {
	if p == nil {
		return false
	}
	email = strings.TrimSpace(email)
	return strings.EqualFold(p.Email, email) || strings.EqualFold(p.Username, email)
}

func (h *Handler) listKeys(c *gin.Context) {
	keys := h.auth.Keys()
	if keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "API keys disabled"})
		return
	}
	user := strings.TrimSpace(c.Query("user_email"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_email is required"})
		return
	}
	list, err := keys.List(c.Request.Context(), user)
	if err != nil {
		h.log.Error().Err(err).Msg("list api keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}
	if list == nil {
		list = []*auth.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": list})
}

func (h *Handler) revokeKey(c *gin.Context) {
	keys := h.auth.Keys()
	if keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "API keys disabled"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}
	if err := keys.Revoke(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		h.log.Error().Err(err).Msg("revoke api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke key"})
		return
	}
	c.Status(http.StatusNoContent)
}
