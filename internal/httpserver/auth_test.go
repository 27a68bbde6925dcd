package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/greencloud/authserver/internal/config"
	"github.com/greencloud/authserver/internal/db"
	"github.com/greencloud/authserver/internal/events"
	"github.com/greencloud/authserver/internal/hash"
	"github.com/greencloud/authserver/internal/logging"
	"github.com/greencloud/authserver/internal/repo"
	"github.com/greencloud/authserver/internal/service"
	"github.com/greencloud/authserver/internal/tokens"
	"github.com/greencloud/authserver/internal/tokenstore"
)

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type testServer struct {
	e    *echo.Echo
	mini *miniredis.Miniredis
}

func defaultCORS() config.CORSConfig {
	return config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Location"},
		MaxAge:         3600,
	}
}

func newTestServer(t *testing.T, ready map[string]ReadyCheck) *testServer {
	t.Helper()

	gdb, err := db.Open(context.Background(), db.Options{Driver: db.DriverSQLite, DSN: ":memory:", Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	mini := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	issuer, err := tokens.NewIssuer(tokens.Config{
		Secret:     []byte(strings.Repeat("h", 32)),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	})
	require.NoError(t, err)

	svc := &service.AuthService{
		Users:  &repo.GormRepo{DB: gdb},
		Hasher: hash.Bcrypt{Cost: bcrypt.MinCost},
		Tokens: issuer,
		Store:  tokenstore.New(tokenstore.NewRedisKV(rdb)),
		Events: events.Nop{},
	}

	v := NewValidator()
	e := New(logging.NewWithWriter(io.Discard, "error"), defaultCORS(), v)
	Register(e, &Deps{
		AuthHandler: &AuthHTTP{Svc: svc, Validator: v},
		Auth:        svc,
		ReadyChecks: ready,
	})
	return &testServer{e: e, mini: mini}
}

func (s *testServer) do(t *testing.T, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *testServer) signUp(t *testing.T, email string) {
	t.Helper()

	rec, _ := s.do(t, http.MethodPost, "/auth/signup",
		`{"username":"u1","email":"`+email+`","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func (s *testServer) signIn(t *testing.T, email string) TokenResponse {
	t.Helper()

	rec, env := s.do(t, http.MethodPost, "/auth/signin", `{"email":"`+email+`","password":"Aa1!aaaa"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tok TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	return tok
}

func dataMap(t *testing.T, env envelope) map[string]string {
	t.Helper()

	var m map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func TestSignUp(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	rec, env := s.do(t, http.MethodPost, "/auth/signup",
		`{"username":"u1","email":"u1@x.com","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "signed up", env.Message)
	assert.Equal(t, "null", string(env.Data))
	assert.False(t, env.Timestamp.IsZero())

	rec, env = s.do(t, http.MethodPost, "/auth/signup",
		`{"username":"u2","email":"u1@x.com","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "email already used", env.Message)
}

func TestSignUp_Validation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
		msg   string
	}{
		{
			name:  "missing email",
			body:  `{"username":"u1","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`,
			field: "email", msg: "email is required",
		},
		{
			name:  "bad email",
			body:  `{"username":"u1","email":"not-an-email","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`,
			field: "email", msg: "invalid email format",
		},
		{
			name:  "password without special character",
			body:  `{"username":"u1","email":"u1@x.com","password":"Aa1aaaaa","password2":"Aa1aaaaa"}`,
			field: "password",
		},
		{
			name:  "password too short",
			body:  `{"username":"u1","email":"u1@x.com","password":"Aa1!aa","password2":"Aa1!aa"}`,
			field: "password",
		},
		{
			name:  "password too long",
			body:  `{"username":"u1","email":"u1@x.com","password":"Aa1!aaaaaaaaaaaaaaaaaaaaa","password2":"Aa1!aaaaaaaaaaaaaaaaaaaaa"}`,
			field: "password",
		},
		{
			name: "password over bcrypt byte limit",
			body: `{"username":"u1","email":"u1@x.com","password":"Aa1!` + strings.Repeat("😀", 20) +
				`","password2":"Aa1!` + strings.Repeat("😀", 20) + `"}`,
			field: "password",
		},
		{
			name:  "blank username",
			body:  `{"username":"   ","email":"u1@x.com","password":"Aa1!aaaa","password2":"Aa1!aaaa"}`,
			field: "username", msg: "username is required",
		},
		{
			name:  "passwords differ",
			body:  `{"username":"u1","email":"u1@x.com","password":"Aa1!aaaa","password2":"Aa1!aaab"}`,
			field: "password2", msg: "passwords do not match",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, env := s.do(t, http.MethodPost, "/auth/signup", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, env.Success)
			assert.Equal(t, "validation failed", env.Message)

			fields := dataMap(t, env)
			require.Contains(t, fields, tt.field)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, fields[tt.field])
			}
		})
	}
}

func TestSignUp_MalformedBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	rec, env := s.do(t, http.MethodPost, "/auth/signup", `{"username":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed request body", env.Message)
}

func TestSignIn(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.signUp(t, "u1@x.com")

	rec, env := s.do(t, http.MethodPost, "/auth/signin", `{"email":"u1@x.com","password":"Aa1!aaaa"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login success", env.Message)

	var tok TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	rec, env = s.do(t, http.MethodPost, "/auth/signin", `{"email":"u1@x.com","password":"Wrong1!pw"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid email or password", env.Message)

	rec, env = s.do(t, http.MethodPost, "/auth/signin", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	fields := dataMap(t, env)
	assert.Equal(t, "email is required", fields["email"])
	assert.Equal(t, "password is required", fields["password"])
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.signUp(t, "u1@x.com")
	first := s.signIn(t, "u1@x.com")

	rec, env := s.do(t, http.MethodPost, "/auth/refresh?refreshToken="+url.QueryEscape(first.RefreshToken), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token refreshed", env.Message)

	var next TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &next))
	assert.NotEqual(t, first.RefreshToken, next.RefreshToken)

	rec, env = s.do(t, http.MethodPost, "/auth/refresh?refreshToken="+url.QueryEscape(first.RefreshToken), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", env.Message)

	rec, env = s.do(t, http.MethodPost, "/auth/refresh", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing parameter: refreshToken", env.Message)
}

func TestRefresh_FormBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.signUp(t, "u1@x.com")
	tok := s.signIn(t, "u1@x.com")

	form := url.Values{"refreshToken": {tok.RefreshToken}}
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.signUp(t, "u1@x.com")
	tok := s.signIn(t, "u1@x.com")

	rec, env := s.do(t, http.MethodPost, "/auth/logout", `{"refreshToken":"`+tok.RefreshToken+`"}`,
		map[string]string{echo.HeaderAuthorization: "Bearer " + tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "logged out", env.Message)
	assert.True(t, s.mini.Exists("denylist:"+tok.AccessToken))

	rec, _ = s.do(t, http.MethodGet, "/auth/me", "", map[string]string{echo.HeaderAuthorization: "Bearer " + tok.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/refresh?refreshToken="+url.QueryEscape(tok.RefreshToken), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout_AlwaysSucceedsWithGarbage(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	rec, env := s.do(t, http.MethodPost, "/auth/logout", `{"refreshToken":"garbage"}`,
		map[string]string{echo.HeaderAuthorization: "Bearer also-garbage"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, env = s.do(t, http.MethodPost, "/auth/logout", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "refreshToken is required", dataMap(t, env)["refreshToken"])
}

func TestCheckEmail(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	rec, env := s.do(t, http.MethodGet, "/auth/check-email?email=u1@x.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Message)
	assert.JSONEq(t, `{"available":true}`, string(env.Data))

	s.signUp(t, "u1@x.com")
	_, env = s.do(t, http.MethodGet, "/auth/check-email?email=u1@x.com", "", nil)
	assert.JSONEq(t, `{"available":false}`, string(env.Data))

	rec, env = s.do(t, http.MethodGet, "/auth/check-email", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing parameter: email", env.Message)

	rec, env = s.do(t, http.MethodGet, "/auth/check-email?email=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation failed", env.Message)
	assert.Equal(t, "invalid email format", dataMap(t, env)["email"])
}

func TestMe(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.signUp(t, "u1@x.com")
	tok := s.signIn(t, "u1@x.com")

	rec, env := s.do(t, http.MethodGet, "/auth/me", "", map[string]string{echo.HeaderAuthorization: "Bearer " + tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)

	var u UserResponse
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "u1@x.com", u.Email)
	assert.Equal(t, "USER", u.Role)
	assert.NotNil(t, u.LastLogin)

	rec, _ = s.do(t, http.MethodGet, "/auth/me", "", map[string]string{echo.HeaderAuthorization: "Bearer " + tok.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing bearer token", env.Message)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, map[string]ReadyCheck{
		"db": func(context.Context) error { return nil },
	})
	rec, _ := healthy.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = healthy.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := newTestServer(t, map[string]ReadyCheck{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	rec, _ = broken.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/auth/signin", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "3600", rec.Header().Get(echo.HeaderAccessControlMaxAge))

	req = httptest.NewRequest(http.MethodOptions, "/auth/signin", nil)
	req.Header.Set(echo.HeaderOrigin, "http://evil.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestErrorResponse_Mapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{name: "bad credentials", err: service.ErrBadCredentials, status: http.StatusUnauthorized, msg: "invalid email or password"},
		{name: "wrapped invalid token", err: errors.Join(errors.New("ctx"), service.ErrInvalidToken), status: http.StatusUnauthorized, msg: "invalid token"},
		{name: "not found", err: service.ErrNotFound, status: http.StatusNotFound, msg: "user not found"},
		{name: "duplicate", err: service.ErrDuplicateIdentity, status: http.StatusConflict, msg: "email already used"},
		{name: "forbidden", err: echo.ErrForbidden, status: http.StatusForbidden, msg: "forbidden"},
		{name: "unknown route", err: echo.ErrNotFound, status: http.StatusNotFound, msg: "Not Found"},
		{name: "anything else", err: errors.New("db exploded"), status: http.StatusInternalServerError, msg: "internal error"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, body.Message)
			assert.False(t, body.Success)
		})
	}
}

func TestPasswordPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pw string
		ok bool
	}{
		{pw: "Aa1!aaaa", ok: true},
		{pw: "Zz9#zzzzzzzzzzzzzzzzzzzz", ok: true},
		{pw: "aa1!aaaa", ok: false},
		{pw: "AA1!AAAA", ok: false},
		{pw: "Aaa!aaaa", ok: false},
		{pw: "Aa1_aaaa", ok: false},
		{pw: "Aa1 aaaa", ok: false},
		{pw: "Aa1!aaa", ok: false},
		{pw: "Aa1!aaaaaaaaaaaaaaaaaaaaa", ok: false},
		{pw: "Aa1!" + strings.Repeat("é", 20), ok: true},
		{pw: "Aa1!" + strings.Repeat("한", 20), ok: true},
		{pw: "Aa1!" + strings.Repeat("😀", 20), ok: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, passwordPolicy(tt.pw), tt.pw)
	}
}

func TestSignUp_MultibytePasswordWithinLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	pw := "Aa1!" + strings.Repeat("한", 20)
	rec, env := s.do(t, http.MethodPost, "/auth/signup",
		`{"username":"u1","email":"u1@x.com","password":"`+pw+`","password2":"`+pw+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = s.do(t, http.MethodPost, "/auth/signin", `{"email":"u1@x.com","password":"`+pw+`"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
