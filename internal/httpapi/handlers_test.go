package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"botdeck.io/internal/account"
	"botdeck.io/internal/embed"
	"botdeck.io/internal/token"
)

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
}

func TestAdminLoginLifecycle(t *testing.T) {
	h := newHarness(t, seedAdmin(t, account.RoleAdmin))

	login := func(password string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"loginId":"ops1","password":%q}`, password)
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/login", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.7:51000"
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	// Success issues a token and sets the admin cookie.
	rec := login("Str0ngPass!")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body %s", rec.Code, rec.Body)
	}
	cookie := findCookie(t, rec, cookieAdmin)
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("admin cookie missing or not HttpOnly: %+v", cookie)
	}
	if _, err := h.tokens.Verify(cookie.Value, token.KindAdmin); err != nil {
		t.Fatalf("cookie does not hold a valid admin token: %v", err)
	}
	var ok struct {
		Token   string `json:"token"`
		Account struct {
			LoginID string `json:"loginId"`
		} `json:"account"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok.Token == "" || ok.Account.LoginID != "ops1" {
		t.Fatalf("body = %s", rec.Body)
	}

	// Failures count down the remaining attempts, then the third locks.
	for want := 2; want >= 1; want-- {
		rec = login("wrong-password")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("failed login: status = %d", rec.Code)
		}
		var fail struct {
			Remaining int `json:"remainingAttempts"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if fail.Remaining != want {
			t.Fatalf("remainingAttempts = %d, want %d", fail.Remaining, want)
		}
	}
	rec = login("wrong-password")
	if rec.Code != http.StatusLocked {
		t.Fatalf("locking attempt: status = %d, body %s", rec.Code, rec.Body)
	}

	// While locked, even the correct password is rejected.
	rec = login("Str0ngPass!")
	if rec.Code != http.StatusLocked {
		t.Fatalf("login while locked: status = %d", rec.Code)
	}
}

func TestAdminLoginUnknownAccount(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/login",
		strings.NewReader(`{"loginId":"ghost","password":"whatever"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "ghost") {
		t.Fatal("response leaks the probed login id")
	}
}

func TestEmbedSessionHandshake(t *testing.T) {
	h := newHarness(t)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := embed.Sign(embedSecret, "jdoe", "E100", "J. Doe", ts)

	url := "/v1/embed/session?loginId=jdoe&empNo=E100&name=J.+Doe&ts=" + ts + "&sig=" + sig
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("handshake: status = %d, body %s", rec.Code, rec.Body)
	}

	cookie := findCookie(t, rec, cookieEmbed)
	if cookie == nil {
		t.Fatal("embed cookie not set")
	}
	if cookie.SameSite != http.SameSiteNoneMode || !cookie.Secure {
		t.Fatalf("embed cookie must be SameSite=None and Secure: %+v", cookie)
	}
	principal, err := h.tokens.Verify(cookie.Value, token.KindEmbed)
	if err != nil {
		t.Fatalf("embed cookie token invalid: %v", err)
	}
	if principal.LoginID != "jdoe" || principal.EmployeeID != "E100" {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestEmbedSessionRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := embed.Sign([]byte("wrong-secret"), "jdoe", "E100", "J. Doe", ts)

	url := "/v1/embed/session?loginId=jdoe&empNo=E100&name=J.+Doe&ts=" + ts + "&sig=" + sig
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if findCookie(t, rec, cookieEmbed) != nil {
		t.Fatal("cookie issued for a failed handshake")
	}
}

func TestEmbedSessionRequiresDirectoryMatch(t *testing.T) {
	h := newHarness(t)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	// Valid signature for an identity the directory does not know.
	sig := embed.Sign(embedSecret, "mallory", "E999", "Mallory", ts)

	url := "/v1/embed/session?loginId=mallory&empNo=E999&name=Mallory&ts=" + ts + "&sig=" + sig
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUserSessionIssue(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/session",
		strings.NewReader(`{"empNo":"E100","name":"J. Doe"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	cookie := findCookie(t, rec, cookieUser)
	if cookie == nil {
		t.Fatal("user cookie not set")
	}
	if _, err := h.tokens.Verify(cookie.Value, token.KindUser); err != nil {
		t.Fatalf("user cookie token invalid: %v", err)
	}
}

func TestChatMessageAnonymousThrottle(t *testing.T) {
	h := newHarness(t) // AnonBurst: 2

	post := func(cookie *http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages",
			strings.NewReader(`{"appId":"app-1","message":"hello"}`))
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	first := post(nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first message: status = %d, body %s", first.Code, first.Body)
	}
	anon := findCookie(t, first, cookieAnon)
	if anon == nil {
		t.Fatal("anonymous session cookie not set")
	}

	if rec := post(anon); rec.Code != http.StatusAccepted {
		t.Fatalf("second message: status = %d", rec.Code)
	}
	if rec := post(anon); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third message: status = %d, want 429", rec.Code)
	}
}

func TestChatMessageAuthenticatedBypassesThrottle(t *testing.T) {
	h := newHarness(t)
	userTok, _, err := h.tokens.Issue(token.Principal{
		Kind: token.KindUser, Subject: "E100", EmployeeID: "E100",
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue user token: %v", err)
	}

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages",
			strings.NewReader(`{"appId":"app-1","message":"hello"}`))
		req.AddCookie(&http.Cookie{Name: cookieUser, Value: userTok})
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("message %d: status = %d", i, rec.Code)
		}
		var body struct {
			Session string `json:"session"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Session != "user" {
			t.Fatalf("session = %q, want user", body.Session)
		}
	}
}

func TestChatMessageEmbedQueryReissuedAsCookie(t *testing.T) {
	h := newHarness(t)
	embedTok, _, err := h.tokens.Issue(token.Principal{
		Kind: token.KindEmbed, Subject: "E100", LoginID: "jdoe", EmployeeID: "E100",
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue embed token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages?token="+embedTok,
		strings.NewReader(`{"appId":"app-1","message":"hello"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if findCookie(t, rec, cookieEmbed) == nil {
		t.Fatal("query-supplied embed token not re-issued as cookie")
	}
}

func TestAppSecretNeverLeaves(t *testing.T) {
	h := newHarness(t, seedAdmin(t, account.RoleAdmin))
	tok := h.adminToken(t, account.RoleAdmin)

	create := httptest.NewRequest(http.MethodPost, "/v1/apps/",
		strings.NewReader(`{"name":"support-bot","provider":"openai","model":"gpt-4o","apiSecret":"sk-test-12345"}`))
	create.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create app: status = %d, body %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-test") {
		t.Fatal("create response leaks the secret")
	}
	var created struct {
		ID        string `json:"id"`
		HasSecret bool   `json:"hasSecret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.HasSecret {
		t.Fatal("hasSecret = false after create with secret")
	}

	get := httptest.NewRequest(http.MethodGet, "/v1/apps/"+created.ID, nil)
	get.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Fatalf("get app: status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "sk-test") || strings.Contains(body, "Secret\":\"") {
		t.Fatalf("get response leaks secret material: %s", body)
	}

	rotate := httptest.NewRequest(http.MethodPut, "/v1/apps/"+created.ID+"/secret",
		strings.NewReader(`{"apiSecret":"sk-rotated"}`))
	rotate.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, rotate)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rotate secret: status = %d, body %s", rec.Code, rec.Body)
	}
}
