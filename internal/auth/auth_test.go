package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/plugind/internal/config"
	"github.com/loykin/plugind/internal/ctlerr"
)

func newService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s, err := New(config.AuthConfig{
		Enabled:   true,
		JWTSecret: "secret",
		TokenTTL:  time.Hour,
		Users: []config.UserConfig{
			{Username: "ops", PasswordHash: hash, Roles: []string{RoleOperator}},
			{Username: "ro", PasswordHash: hash, Roles: []string{RoleViewer}},
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestNewRequiresEnabledAndSecret(t *testing.T) {
	if _, err := New(config.AuthConfig{}); err == nil {
		t.Fatal("disabled config accepted")
	}
	if _, err := New(config.AuthConfig{Enabled: true}); err == nil {
		t.Fatal("missing secret accepted")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatal("empty password hashed")
	}
}

func TestRoleMatrix(t *testing.T) {
	cases := []struct {
		role, method string
		want         bool
	}{
		{RoleAdmin, "harakiri", true},
		{RoleOperator, "activate", true},
		{RoleOperator, MethodSetSubsystem, true},
		{RoleOperator, "delete", false},
		{RoleOperator, "harakiri", false},
		{RoleViewer, "status", true},
		{RoleViewer, "processinfo", true},
		{RoleViewer, "configure", false},
		{RoleViewer, "links", true},
		{RoleViewer, "environment", false},
		{RoleViewer, "notify", false},
		{RoleOperator, "notify", true},
		{"guest", "status", false},
	}
	for _, c := range cases {
		p := &Principal{Subject: "x", Roles: []string{c.role}}
		if got := p.Allowed(c.method); got != c.want {
			t.Errorf("%s may %s = %v, want %v", c.role, c.method, got, c.want)
		}
	}
	var nobody *Principal
	if nobody.Allowed("status") {
		t.Fatal("nil principal allowed")
	}
}

func TestLoginAndVerify(t *testing.T) {
	s := newService(t)
	if _, err := s.Login("ops", "nope"); ctlerr.CodeOf(err) != ctlerr.CodeUnauthenticated {
		t.Fatalf("wrong password = %v", err)
	}
	if _, err := s.Login("ghost", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user = %v", err)
	}
	tok, err := s.Login("ops", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	p, err := s.Verify(tok.Value)
	if err != nil || p.Subject != "ops" || len(p.Roles) != 1 || p.Roles[0] != RoleOperator {
		t.Fatalf("verify = %+v err=%v", p, err)
	}

	other := newService(t)
	other.secret = []byte("different")
	if _, err := other.Verify(tok.Value); err == nil {
		t.Fatal("token verified with another secret")
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Verify(tok.Value); err == nil {
		t.Fatal("expired token accepted")
	}
	s.now = time.Now

	delete(s.users, "ops")
	if _, err := s.Verify(tok.Value); err == nil {
		t.Fatal("token of removed user accepted")
	}
}

func TestAuthenticateSources(t *testing.T) {
	s := newService(t)
	tok, _ := s.Login("ro", "pw")

	r := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	if _, err := s.Authenticate(r); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("no credentials = %v", err)
	}
	r.Header.Set("Authorization", "Bearer "+tok.Value)
	if p, err := s.Authenticate(r); err != nil || p.Subject != "ro" {
		t.Fatalf("bearer = %+v err=%v", p, err)
	}
	r = httptest.NewRequest(http.MethodGet, "/api/events?access_token="+tok.Value, nil)
	if p, err := s.Authenticate(r); err != nil || p.Subject != "ro" {
		t.Fatalf("query token = %+v err=%v", p, err)
	}
	r = httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	r.SetBasicAuth("ro", "pw")
	if p, err := s.Authenticate(r); err != nil || p.Subject != "ro" {
		t.Fatalf("basic = %+v err=%v", p, err)
	}
}

type echoInvoker struct{ called []string }

func (e *echoInvoker) Invoke(_ context.Context, method string, _ json.RawMessage) (any, error) {
	e.called = append(e.called, method)
	return "ok", nil
}

func TestGuard(t *testing.T) {
	inv := &echoInvoker{}
	g := Guard(inv)
	if _, err := g.Invoke(context.Background(), "status", nil); ctlerr.CodeOf(err) != ctlerr.CodeUnauthenticated {
		t.Fatalf("anonymous = %v", err)
	}
	ctx := WithPrincipal(context.Background(), &Principal{Subject: "ro", Roles: []string{RoleViewer}})
	if _, err := g.Invoke(ctx, "activate", nil); !errors.Is(err, ctlerr.ErrForbidden) {
		t.Fatalf("viewer activate = %v", err)
	}
	if res, err := g.Invoke(ctx, "status", nil); err != nil || res != "ok" {
		t.Fatalf("viewer status = %v %v", res, err)
	}
	if len(inv.called) != 1 || inv.called[0] != "status" {
		t.Fatalf("called = %v", inv.called)
	}
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)
	g := gin.New()
	g.GET("/x", s.GinAuth(), func(c *gin.Context) {
		p, _ := PrincipalFrom(c.Request.Context())
		c.String(http.StatusOK, p.Subject)
	})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("anonymous = %d", w.Code)
	}

	tok, _ := s.Login("ops", "pw")
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+tok.Value)
	w = httptest.NewRecorder()
	g.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "ops" {
		t.Fatalf("authenticated = %d %q", w.Code, w.Body.String())
	}
}
