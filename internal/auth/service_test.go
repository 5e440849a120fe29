package auth

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatgate/internal/config"
	"chatgate/internal/models"
	"chatgate/internal/redis"
	"chatgate/internal/storage"
)

type stubVerifier struct {
	mu     sync.Mutex
	tokens map[string]*models.Principal
	err    error
	calls  int
}

func (v *stubVerifier) Profile(ctx context.Context, token string) (*models.Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	p, ok := v.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return p, nil
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{tokens: map[string]*models.Principal{
		"good": {ID: "1", Name: "Alice", Username: "alice@example.com"},
	}}
}

func TestValidateToken(t *testing.T) {
	svc := NewService(newStubVerifier(), nil, nil, config.Default().Identity)

	p, err := svc.ValidateToken(context.Background(), "good")
	if err != nil || p.Username != "alice@example.com" {
		t.Fatalf("ValidateToken failed: %+v %v", p, err)
	}
	if _, err := svc.ValidateToken(context.Background(), "bad"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), "  "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := newStubVerifier()
	svc := NewService(verifier, nil, nil, config.Default().Identity)

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		p, ok := PrincipalFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	cases := []struct {
		name   string
		header string
		status int
		errMsg string
	}{
		{"missing", "", http.StatusUnauthorized, "No valid token provided"},
		{"not bearer", "Basic abc", http.StatusUnauthorized, "No valid token provided"},
		{"invalid", "Bearer bad", http.StatusUnauthorized, "Invalid or expired token"},
		{"valid", "Bearer good", http.StatusOK, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if tc.errMsg != "" {
			var body map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] != tc.errMsg {
				t.Fatalf("%s: expected error %q, got %q", tc.name, tc.errMsg, body["error"])
			}
		}
	}

	verifier.err = errors.New("graph down")
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusUnauthorized || body["error"] != "Authentication failed" {
		t.Fatalf("expected auth failure, got %d %v", rec.Code, body)
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(newStubVerifier(), nil, nil, config.Default().Identity)

	run := func(admins []string) int {
		router := gin.New()
		router.GET("/admin", svc.Middleware(), RequireAdmin(admins), func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := run(nil); code != http.StatusOK {
		t.Fatalf("open admin list: %d", code)
	}
	if code := run([]string{"ALICE@example.com"}); code != http.StatusOK {
		t.Fatalf("listed admin: %d", code)
	}
	if code := run([]string{"bob@example.com"}); code != http.StatusForbidden {
		t.Fatalf("unlisted admin: %d", code)
	}
}

func TestRequireConfiguredAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(newStubVerifier(), nil, nil, config.Default().Identity)

	run := func(admins []string) int {
		router := gin.New()
		router.GET("/keys", svc.Middleware(), RequireConfiguredAdmin(admins), func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/keys", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := run(nil); code != http.StatusForbidden {
		t.Fatalf("empty admin list must deny: %d", code)
	}
	if code := run([]string{" alice@example.com "}); code != http.StatusOK {
		t.Fatalf("listed admin: %d", code)
	}
	if IsAdmin(nil, &models.Principal{Username: "alice@example.com"}) || IsAdmin([]string{"alice@example.com"}, nil) {
		t.Fatal("IsAdmin matched without a listed principal")
	}
}

func TestStateCookieRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(newStubVerifier(), nil, nil, config.Default().Identity)

	state, err := svc.NewState()
	if err != nil || len(state) != 64 {
		t.Fatalf("NewState: %q %v", state, err)
	}

	router := gin.New()
	router.GET("/auth/login", func(c *gin.Context) {
		svc.SetStateCookie(c, state)
		c.String(http.StatusOK, svc.AuthCodeURL(state))
	})
	router.GET("/auth/callback", func(c *gin.Context) {
		if !svc.VerifyState(c, c.Query("state")) {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	authURL, err := url.Parse(rec.Body.String())
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if authURL.Query().Get("state") != state {
		t.Fatalf("auth url missing state: %s", authURL)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != svc.StateCookieName() {
		t.Fatalf("expected state cookie, got %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+state, nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("matching state rejected: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/callback?state=forged", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged state accepted: %d", rec.Code)
	}
}

func TestExchange(t *testing.T) {
	claims, _ := json.Marshal(map[string]any{"name": "Alice", "preferred_username": "alice@example.com", "oid": "7"})
	idToken := "e30." + base64.RawURLEncoding.EncodeToString(claims) + ".sig"

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "the-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	defer idp.Close()

	cfg := config.Default().Identity
	cfg.Authority = idp.URL + "/tenant"
	cfg.ClientID = "client"
	svc := NewService(newStubVerifier(), nil, nil, cfg)

	res, err := svc.Exchange(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if res.Token.AccessToken != "at-123" {
		t.Fatalf("access token = %q", res.Token.AccessToken)
	}
	if res.Principal == nil || res.Principal.Username != "alice@example.com" || res.Claims["oid"] != "7" {
		t.Fatalf("unexpected principal %+v claims %v", res.Principal, res.Claims)
	}

	if _, err := svc.Exchange(context.Background(), "wrong"); err == nil {
		t.Fatal("expected exchange failure")
	}
}

func TestAPIKeys(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	keys := NewKeyStore(db)
	ctx := context.Background()

	key, plain, err := keys.Issue(ctx, "svc@example.com", "batch job")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var stored string
	if err := db.QueryRow(`SELECT key_hash FROM api_keys WHERE id = ?`, key.ID).Scan(&stored); err != nil {
		t.Fatalf("query key: %v", err)
	}
	if stored == plain {
		t.Fatal("api key stored in plaintext")
	}

	p, err := keys.Validate(ctx, plain)
	if err != nil || p.Key() != "svc@example.com" {
		t.Fatalf("validate: %+v %v", p, err)
	}
	list, err := keys.List(ctx, "svc@example.com")
	if err != nil || len(list) != 1 || list[0].LastUsed == nil {
		t.Fatalf("list: %+v %v", list, err)
	}

	if err := keys.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := keys.Validate(ctx, plain); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("revoked key accepted: %v", err)
	}
	if err := keys.Revoke(ctx, 999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
	if _, err := keys.Validate(ctx, "nope"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("garbage key accepted: %v", err)
	}
}

func TestIssueRetriesOnlyOnCollision(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	keys := NewKeyStore(db)
	ctx := context.Background()

	raws := []string{"aaaa", "aaaa", "bbbb"}
	calls := 0
	keys.generate = func() (string, error) {
		raw := raws[calls%len(raws)]
		calls++
		return raw, nil
	}
	if _, first, err := keys.Issue(ctx, "a@example.com", ""); err != nil || first != apiKeyPrefix+"aaaa" {
		t.Fatalf("first issue: %q %v", first, err)
	}
	_, second, err := keys.Issue(ctx, "b@example.com", "")
	if err != nil || second != apiKeyPrefix+"bbbb" || calls != 3 {
		t.Fatalf("collision not retried: %q calls=%d %v", second, calls, err)
	}

	if _, err := db.Exec(`DROP TABLE api_keys`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	calls = 0
	_, _, err = keys.Issue(ctx, "c@example.com", "")
	if err == nil || !strings.Contains(err.Error(), "insert api key") || calls != 1 {
		t.Fatalf("storage failure should surface at once: calls=%d %v", calls, err)
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	keys := NewKeyStore(db)
	_, plain, err := keys.Issue(context.Background(), "svc@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc := NewService(newStubVerifier(), nil, keys, config.Default().Identity)

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		p, _ := PrincipalFromContext(c)
		c.String(http.StatusOK, p.Key())
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-API-Key", plain)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "svc@example.com" {
		t.Fatalf("api key rejected: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-API-Key", "cg_forged")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged key accepted: %d", rec.Code)
	}
}

func TestValidateTokenUsesRedisCache(t *testing.T) {
	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	verifier := newStubVerifier()
	svc := NewService(verifier, cacheClient, nil, config.Default().Identity)
	ctx := context.Background()

	if _, err := svc.ValidateToken(ctx, "good"); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	key := tokenCachePrefix + hashToken("good")
	if _, err := cacheClient.Get(ctx, key); err != nil {
		t.Fatalf("expected cached principal: %v", err)
	}
	verifier.err = errors.New("graph down")
	p, err := svc.ValidateToken(ctx, "good")
	if err != nil || p.Username != "alice@example.com" {
		t.Fatalf("cached validate failed: %+v %v", p, err)
	}
	if verifier.calls != 1 {
		t.Fatalf("expected one provider call, got %d", verifier.calls)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if raw := client.Raw(); raw != nil {
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}
