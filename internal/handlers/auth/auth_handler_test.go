package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"booru-service/internal/domain/auth"
	"booru-service/internal/middleware"
	xerrors "booru-service/internal/pkg/errors"
	"booru-service/internal/pkg/jwt"
	"booru-service/internal/pkg/session"
	"booru-service/internal/repository/memory"
	authUsecase "booru-service/internal/service/auth"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// failingStore reports every call as a transient outage.
type failingStore struct{}

func (failingStore) CreateSession(context.Context, int64, string) (*auth.RefreshGrant, error) {
	return nil, xerrors.Unavailable(errors.New("dial tcp: connection refused"))
}

func (failingStore) Rotate(context.Context, string, string) (*auth.RefreshGrant, error) {
	return nil, xerrors.Unavailable(errors.New("dial tcp: connection refused"))
}

func (failingStore) InvalidateSession(context.Context, int64) error {
	return xerrors.Unavailable(errors.New("dial tcp: connection refused"))
}

func (failingStore) InvalidateUserSessions(context.Context, int64) error {
	return xerrors.Unavailable(errors.New("dial tcp: connection refused"))
}

func (failingStore) ListSessions(context.Context, int64) ([]auth.Session, error) {
	return nil, xerrors.Unavailable(errors.New("dial tcp: connection refused"))
}

func newService(t *testing.T, store session.Store, allowRegistration bool) *authUsecase.AuthService {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys, err := jwt.NewHMACKeys([]byte("handler-test-secret-0123456789abcdef"))
	require.NoError(t, err)
	codec, err := jwt.NewCodec(keys, "booru", "booru-clients", "", time.Minute)
	require.NoError(t, err)

	if store == nil {
		store = memory.NewSessionStore(auth.RotationPolicy{RefreshTTL: time.Hour, RevokeOnReuse: true})
	}
	mgr := session.NewManager(store, codec, session.Config{StoreTimeout: time.Second}, nil)
	return authUsecase.NewAuthService(memory.NewUserRepository(), mgr, nil, authUsecase.Config{
		AllowRegistration: allowRegistration,
		BcryptCost:        bcrypt.MinCost,
	}, nil)
}

func routes(svc *authUsecase.AuthService) *gin.Engine {
	h := NewAuthHandler(svc, nil)
	mw := middleware.NewAuthMiddleware(svc)

	r := gin.New()
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.POST("/refresh", h.Refresh)
	protected := r.Group("/", mw.Auth())
	protected.POST("/logout", h.Logout)
	protected.POST("/logout-all", h.LogoutAll)
	protected.GET("/me", h.GetMe)
	protected.GET("/sessions", h.GetActiveSessions)
	protected.POST("/admin/users/:id/logout-all", h.RevokeUserSessions)
	return r
}

func newRouter(t *testing.T, store session.Store, allowRegistration bool) *gin.Engine {
	t.Helper()
	return routes(newService(t, store, allowRegistration))
}

func do(t *testing.T, r http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func decodeLogin(t *testing.T, env envelope) auth.LoginResponse {
	t.Helper()
	var res auth.LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestRegisterLoginMe(t *testing.T) {
	r := newRouter(t, nil, true)

	w, env := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "alice", "password": "correct horse"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reg := decodeLogin(t, env)
	assert.Equal(t, "Bearer", reg.TokenType)
	assert.Equal(t, 60, reg.ExpiresIn)
	require.NotNil(t, reg.User)

	w, _ = do(t, r, http.MethodPost, "/register", "", gin.H{"name": "Alice", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = do(t, r, http.MethodPost, "/login", "", gin.H{"name": "alice", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)
	login := decodeLogin(t, env)

	w, env = do(t, r, http.MethodGet, "/me", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me auth.UserInfo
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, reg.User.ID, me.ID)
	assert.Equal(t, "alice", me.Name)

	w, env = do(t, r, http.MethodGet, "/sessions", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Current  int64          `json:"current_session_id"`
		Sessions []auth.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Sessions, 2)
	assert.NotZero(t, list.Current)
}

func TestLoginRejections(t *testing.T) {
	r := newRouter(t, nil, true)
	do(t, r, http.MethodPost, "/register", "", gin.H{"name": "bob", "password": "password1"})

	w, env := do(t, r, http.MethodPost, "/login", "", gin.H{"name": "bob", "password": "password2"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.Success)
	assert.Empty(t, env.Error)

	w, _ = do(t, r, http.MethodPost, "/login", "", gin.H{"name": "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/register", "", gin.H{"name": "short", "password": "1234"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegistrationDisabled(t *testing.T) {
	r := newRouter(t, nil, false)

	w, _ := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "carol", "password": "password1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRefreshReplayIsDeniedWithoutDetail(t *testing.T) {
	r := newRouter(t, nil, true)

	_, env := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "dave", "password": "password1"})
	first := decodeLogin(t, env)

	w, env := do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	var second auth.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	w, env = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "access denied", env.Message)
	assert.Empty(t, env.Error)

	// the replay revoked the session for the legitimate holder as well
	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": second.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutThenRefresh(t *testing.T) {
	r := newRouter(t, nil, true)

	_, env := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "erin", "password": "password1"})
	res := decodeLogin(t, env)

	w, _ := do(t, r, http.MethodPost, "/logout", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, "/logout", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": res.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutAll(t *testing.T) {
	r := newRouter(t, nil, true)

	_, env := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "frank", "password": "password1"})
	a := decodeLogin(t, env)
	_, env = do(t, r, http.MethodPost, "/login", "", gin.H{"name": "frank", "password": "password1"})
	b := decodeLogin(t, env)

	w, _ := do(t, r, http.MethodPost, "/logout-all", b.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, tok := range []string{a.RefreshToken, b.RefreshToken} {
		w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": tok})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	r := newRouter(t, nil, true)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		w, env := do(t, r, http.MethodGet, "/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "access denied", env.Message)
		assert.Empty(t, env.Error)
	}
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	r := newRouter(t, failingStore{}, true)

	w, env := do(t, r, http.MethodPost, "/register", "", gin.H{"name": "gina", "password": "password1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.NotContains(t, env.Error, "connection refused")

	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": "0b6f6f8e-6c5e-4f55-9d6c-1c3f5c7d9e01"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRevokesUserSessions(t *testing.T) {
	svc := newService(t, nil, true)
	require.NoError(t, svc.EnsureAdminExists(context.Background(), "root", "root-password"))
	r := routes(svc)

	_, env := do(t, r, http.MethodPost, "/login", "", gin.H{"name": "root", "password": "root-password"})
	admin := decodeLogin(t, env)
	require.Equal(t, auth.RankAdmin, admin.User.Rank)

	_, env = do(t, r, http.MethodPost, "/register", "", gin.H{"name": "henry", "password": "password1"})
	henry := decodeLogin(t, env)
	_, env = do(t, r, http.MethodPost, "/register", "", gin.H{"name": "iris", "password": "password1"})
	iris := decodeLogin(t, env)

	path := func(id int64) string { return "/admin/users/" + strconv.FormatInt(id, 10) + "/logout-all" }

	// regular accounts cannot moderate
	w, env := do(t, r, http.MethodPost, path(iris.User.ID), henry.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "admin rank required", env.Message)
	w, env = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": iris.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	var irisNext auth.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &irisNext))

	w, _ = do(t, r, http.MethodPost, path(iris.User.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, r, http.MethodPost, path(iris.User.ID), admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": irisNext.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// revoking again is harmless
	w, _ = do(t, r, http.MethodPost, path(iris.User.ID), admin.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// the admin's and henry's own sessions are untouched
	w, _ = do(t, r, http.MethodPost, "/refresh", "", gin.H{"refresh_token": henry.RefreshToken})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodGet, "/me", admin.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, path(9999), admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, r, http.MethodPost, "/admin/users/abc/logout-all", admin.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
