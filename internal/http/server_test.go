package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"classhive/auth-sessions/internal/crypto"
	"classhive/auth-sessions/internal/model"
	"classhive/auth-sessions/internal/otp"
	"classhive/auth-sessions/internal/session"
	"classhive/auth-sessions/internal/testutil"
	"classhive/auth-sessions/internal/token"
)

type quietSender struct{}

func (quietSender) Send(context.Context, string, string, string) error { return nil }

func newTestApp(t *testing.T, store *testutil.MemStore) *httptest.Server {
	t.Helper()
	codec := token.NewCodec("access-secret", "refresh-secret", "test-issuer", 15*time.Minute, 24*time.Hour, 10*time.Minute)
	issuer := otp.NewIssuer(store, quietSender{}, 10*time.Minute, 6, time.Second)
	svc := session.NewService(store, codec, issuer, nil, nil)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	app := httptest.NewServer(NewServer(svc, codec, log).Router())
	t.Cleanup(app.Close)
	return app
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func doReq(t *testing.T, method, url string, headers map[string]string, body interface{}) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, parsed
}

func registerAndVerify(t *testing.T, app *httptest.Server, store *testutil.MemStore, username string) model.User {
	t.Helper()
	status, _ := doReq(t, http.MethodPost, app.URL+"/register", nil, map[string]string{
		"username": username,
		"phone":    "9876543210",
		"password": "secret1",
	})
	if status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", status)
	}

	user, err := store.GetUserByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	code, ok := store.LastOTP(user.ID, model.PurposeRegistration)
	if !ok {
		t.Fatalf("expected registration otp")
	}

	status, _ = doReq(t, http.MethodPost, app.URL+"/verify-otp/registration", nil, map[string]string{
		"username": username,
		"otp":      code.Code,
	})
	if status != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", status)
	}
	return user
}

func TestRegistrationAndLoginFlow(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	// Login before verification is forbidden.
	username := "alice01"
	status, _ := doReq(t, http.MethodPost, app.URL+"/register", nil, map[string]string{
		"username": username, "phone": "9876543210", "password": "secret1",
	})
	if status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", status)
	}
	status, resp := doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": username, "password": "secret1",
	})
	if status != http.StatusForbidden {
		t.Fatalf("unverified login: expected 403, got %d", status)
	}
	if resp.Success || resp.Error == nil {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	user, _ := store.GetUserByUsername(context.Background(), username)
	code, _ := store.LastOTP(user.ID, model.PurposeRegistration)
	status, _ = doReq(t, http.MethodPost, app.URL+"/verify-otp/registration", nil, map[string]string{
		"username": username, "otp": code.Code,
	})
	if status != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", status)
	}

	status, resp = doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": username, "password": "secret1",
	})
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", status)
	}

	var login session.LoginResult
	if err := json.Unmarshal(resp.Data, &login); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", login)
	}
	if login.User.RoleName != session.DefaultRoleName {
		t.Fatalf("unexpected role: %+v", login.User)
	}

	// The access token opens /me.
	status, resp = doReq(t, http.MethodGet, app.URL+"/me", map[string]string{
		"Authorization": "Bearer " + login.AccessToken,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", status)
	}
	var me meResponse
	if err := json.Unmarshal(resp.Data, &me); err != nil {
		t.Fatalf("decode me data: %v", err)
	}
	if me.Username != username || !me.IsPhoneVerified {
		t.Fatalf("unexpected profile: %+v", me)
	}
}

func TestLoginAntiEnumeration(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	registerAndVerify(t, app, store, "alice01")

	status, resp := doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": "alice01", "password": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if resp.Error == nil || resp.Error.Message != "invalid username or password" {
		t.Fatalf("expected collapsed credential error, got %+v", resp.Error)
	}

	status, _ = doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": "nobody", "password": "whatever",
	})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", status)
	}
}

func TestLoginWithoutPlatformPermission(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"attendance.mark"}})
	app := newTestApp(t, store)

	registerAndVerify(t, app, store, "alice01")

	status, _ := doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": "alice01", "password": "secret1",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 without platform.login, got %d", status)
	}
}

func TestSchoolContextHeaders(t *testing.T) {
	store := testutil.NewMemStore()
	schoolID := "school-1"
	store.AddRole(model.Role{ID: "role-school", Name: "school_admin", SchoolID: &schoolID})
	seedSchoolUser(t, store, "bob02", schoolID, "role-school")
	app := newTestApp(t, store)

	body := map[string]string{"username": "bob02", "password": "secret1"}

	status, _ := doReq(t, http.MethodPost, app.URL+"/login", map[string]string{
		"x-context": "school", "x-school-id": schoolID,
	}, body)
	if status != http.StatusOK {
		t.Fatalf("school login: expected 200, got %d", status)
	}

	// School context without a school id is malformed.
	status, _ = doReq(t, http.MethodPost, app.URL+"/login", map[string]string{
		"x-context": "school",
	}, body)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 without x-school-id, got %d", status)
	}

	// Unknown context value is malformed.
	status, _ = doReq(t, http.MethodPost, app.URL+"/login", map[string]string{
		"x-context": "galaxy",
	}, body)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown context, got %d", status)
	}

	// Valid credentials never match across schools.
	status, _ = doReq(t, http.MethodPost, app.URL+"/login", map[string]string{
		"x-context": "school", "x-school-id": "school-2",
	}, body)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 cross-tenant, got %d", status)
	}
}

func TestRefreshRotationEndpoint(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	registerAndVerify(t, app, store, "alice01")
	login := mustLogin(t, app, "alice01", "secret1")

	status, resp := doReq(t, http.MethodPost, app.URL+"/refresh-token", nil, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", status)
	}
	var refreshed session.RefreshResult
	if err := json.Unmarshal(resp.Data, &refreshed); err != nil {
		t.Fatalf("decode refresh data: %v", err)
	}
	if !refreshed.TokenRotated || refreshed.RefreshToken == login.RefreshToken {
		t.Fatalf("expected rotated token, got %+v", refreshed)
	}

	// The old token is dead.
	status, _ = doReq(t, http.MethodPost, app.URL+"/refresh-token", nil, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rotated-out token, got %d", status)
	}
}

func TestExpiredRefreshToken(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	registerAndVerify(t, app, store, "alice01")
	login := mustLogin(t, app, "alice01", "secret1")
	store.ExpireRefreshToken(login.RefreshToken)

	status, _ := doReq(t, http.MethodPost, app.URL+"/refresh-token", nil, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", status)
	}
	// Replay keeps failing.
	status, _ = doReq(t, http.MethodPost, app.URL+"/refresh-token", nil, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", status)
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	user := registerAndVerify(t, app, store, "alice01")
	login := mustLogin(t, app, "alice01", "secret1")
	auth := map[string]string{"Authorization": "Bearer " + login.AccessToken}

	status, _ := doReq(t, http.MethodPost, app.URL+"/logout", auth, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", status)
	}
	if count := store.RefreshTokenCount(user.ID); count != 0 {
		t.Fatalf("expected session removed, got %d", count)
	}

	// Repeated and unknown-token logouts still report success.
	status, _ = doReq(t, http.MethodPost, app.URL+"/logout", auth, map[string]string{
		"refreshToken": login.RefreshToken,
	})
	if status != http.StatusOK {
		t.Fatalf("repeat logout: expected 200, got %d", status)
	}
	status, _ = doReq(t, http.MethodPost, app.URL+"/logout", auth, map[string]string{
		"refreshToken": "never-existed",
	})
	if status != http.StatusOK {
		t.Fatalf("unknown-token logout: expected 200, got %d", status)
	}

	// Logout itself requires an access token.
	status, _ = doReq(t, http.MethodPost, app.URL+"/logout", nil, map[string]string{
		"refreshToken": "whatever",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated logout: expected 401, got %d", status)
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName, Permissions: []string{"platform.login"}})
	app := newTestApp(t, store)

	user := registerAndVerify(t, app, store, "alice01")

	status, resp := doReq(t, http.MethodPost, app.URL+"/forgot-password", nil, map[string]string{
		"username": "alice01",
	})
	if status != http.StatusOK {
		t.Fatalf("forgot: expected 200, got %d", status)
	}
	var forgot map[string]string
	if err := json.Unmarshal(resp.Data, &forgot); err != nil {
		t.Fatalf("decode forgot data: %v", err)
	}
	if forgot["phone"] != "*******210" {
		t.Fatalf("expected masked phone, got %q", forgot["phone"])
	}

	code, ok := store.LastOTP(user.ID, model.PurposePasswordReset)
	if !ok {
		t.Fatalf("expected reset otp")
	}
	status, resp = doReq(t, http.MethodPost, app.URL+"/verify-otp/password-reset", nil, map[string]string{
		"username": "alice01", "otp": code.Code,
	})
	if status != http.StatusOK {
		t.Fatalf("verify reset otp: expected 200, got %d", status)
	}
	var verified map[string]string
	if err := json.Unmarshal(resp.Data, &verified); err != nil {
		t.Fatalf("decode verify data: %v", err)
	}
	resetToken := verified["resetToken"]
	if resetToken == "" {
		t.Fatalf("expected reset token")
	}

	status, _ = doReq(t, http.MethodPost, app.URL+"/reset-password", nil, map[string]string{
		"resetToken": resetToken, "newPassword": "newsecret",
	})
	if status != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", status)
	}

	status, _ = doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": "alice01", "password": "secret1",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("old password: expected 401, got %d", status)
	}
	mustLogin(t, app, "alice01", "newsecret")
}

func TestRequestValidation(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddRole(model.Role{ID: "role-default", Name: session.DefaultRoleName})
	app := newTestApp(t, store)

	// Short username, non-numeric phone, short password.
	status, _ := doReq(t, http.MethodPost, app.URL+"/register", nil, map[string]string{
		"username": "al", "phone": "not-a-phone", "password": "123",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}

	// Unknown fields are rejected.
	status, _ = doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": "alice01", "password": "secret1", "extra": "field",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}

	// Bad purpose value.
	status, _ = doReq(t, http.MethodPost, app.URL+"/resend-otp", nil, map[string]string{
		"username": "alice01", "purpose": "something-else",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad purpose, got %d", status)
	}
}

func TestMeRequiresAccessToken(t *testing.T) {
	store := testutil.NewMemStore()
	app := newTestApp(t, store)

	status, _ := doReq(t, http.MethodGet, app.URL+"/me", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	status, _ = doReq(t, http.MethodGet, app.URL+"/me", map[string]string{
		"Authorization": "Bearer garbage",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", status)
	}
}

func mustLogin(t *testing.T, app *httptest.Server, username, password string) session.LoginResult {
	t.Helper()
	status, resp := doReq(t, http.MethodPost, app.URL+"/login", nil, map[string]string{
		"username": username, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", status)
	}
	var login session.LoginResult
	if err := json.Unmarshal(resp.Data, &login); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	return login
}

func seedSchoolUser(t *testing.T, store *testutil.MemStore, username, schoolID, roleID string) {
	t.Helper()
	hash, err := crypto.HashPassword("secret1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Now().UTC()
	store.AddUser(model.User{
		ID: "user-" + username, Username: username, Phone: "9876500000", PasswordHash: hash,
		SchoolID: &schoolID, RoleID: roleID, IsActive: true, IsPhoneVerified: true,
		CreatedAt: now, UpdatedAt: now,
	})
}
