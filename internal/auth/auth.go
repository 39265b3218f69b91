// Package auth issues and verifies API bearer tokens and decides which
// control-plane methods a caller may run.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/plugind/internal/config"
	"github.com/loykin/plugind/internal/ctlerr"
)

const issuer = "plugind"

// Roles, from most to least privileged.
const (
	RoleAdmin    = "admin"    // every method
	RoleOperator = "operator" // everything except delete and harakiri
	RoleViewer   = "viewer"   // read-only methods
)

// MethodSetSubsystem names the REST subsystem toggle for authorization.
const MethodSetSubsystem = "setsubsystem"

var readOnly = map[string]bool{
	"status":        true,
	"configuration": true,
	"downloads":     true,
	"resumes":       true,
	"subsystems":    true,
	"processinfo":   true,
	"links":         true,
}

var adminOnly = map[string]bool{
	"delete":   true,
	"harakiri": true,
}

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoCredentials      = errors.New("no credentials")
)

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the JWT payload.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// Allowed reports whether p may run method.
func (p *Principal) Allowed(method string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		switch r {
		case RoleAdmin:
			return true
		case RoleOperator:
			if !adminOnly[method] {
				return true
			}
		case RoleViewer:
			if readOnly[method] {
				return true
			}
		}
	}
	return false
}

// Service authenticates against the configured users.
type Service struct {
	secret []byte
	ttl    time.Duration
	users  map[string]config.UserConfig
	now    func() time.Time
}

// New builds a Service from c. c must be enabled.
func New(c config.AuthConfig) (*Service, error) {
	if !c.Enabled {
		return nil, errors.New("auth is not enabled")
	}
	if c.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	users := make(map[string]config.UserConfig, len(c.Users))
	for _, u := range c.Users {
		users[u.Username] = u
	}
	return &Service{secret: []byte(c.JWTSecret), ttl: ttl, users: users, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Service) check(username, password string) (*Principal, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, ctlerr.Wrap(ctlerr.CodeUnauthenticated, "login", username, ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ctlerr.Wrap(ctlerr.CodeUnauthenticated, "login", username, ErrInvalidCredentials)
	}
	return &Principal{Subject: u.Username, Roles: u.Roles}, nil
}

// Login checks the password and issues a token.
func (s *Service) Login(username, password string) (*Token, error) {
	p, err := s.check(username, password)
	if err != nil {
		return nil, err
	}
	return s.issue(p)
}

func (s *Service) issue(p *Principal) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		Roles: p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.Subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a token and returns its principal. Tokens for users that
// were removed from the configuration are rejected.
func (s *Service) Verify(tokenString string) (*Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.CodeUnauthenticated, "verify", "", err)
	}
	if _, ok := s.users[claims.Subject]; !ok {
		return nil, ctlerr.Wrap(ctlerr.CodeUnauthenticated, "verify", claims.Subject, ErrInvalidCredentials)
	}
	return &Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Authenticate reads a bearer token, an access_token query parameter or basic credentials from r.
func (s *Service) Authenticate(r *http.Request) (*Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(value))
		}
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return s.Verify(tok)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return s.check(user, pass)
	}
	return nil, ctlerr.Wrap(ctlerr.CodeUnauthenticated, "authenticate", "", ErrNoCredentials)
}
