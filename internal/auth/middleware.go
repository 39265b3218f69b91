package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/metrics"
)

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// GinAuth rejects unauthenticated requests with 401 and stores the principal
// in the request context.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Authenticate(c.Request)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, ErrNoCredentials) {
				reason = "missing"
			}
			metrics.IncAuthFailure(reason)
			c.Header("WWW-Authenticate", `Bearer realm="plugind"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  string(ctlerr.CodeUnauthenticated),
			})
			return
		}
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// Invoker runs a named control-plane operation.
type Invoker interface {
	Invoke(ctx context.Context, method string, params json.RawMessage) (any, error)
}

type guarded struct{ next Invoker }

// Guard wraps next so each call is checked against the principal in ctx.
func Guard(next Invoker) Invoker { return guarded{next: next} }

func (g guarded) Invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if err := Authorize(ctx, method); err != nil {
		return nil, err
	}
	return g.next.Invoke(ctx, method, params)
}

// Authorize checks the principal carried by ctx against method.
func Authorize(ctx context.Context, method string) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return ctlerr.New(ctlerr.CodeUnauthenticated, method, "")
	}
	if !p.Allowed(method) {
		metrics.IncAuthFailure("forbidden")
		return ctlerr.New(ctlerr.CodeForbidden, method, p.Subject)
	}
	return nil
}
