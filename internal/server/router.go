package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/plugind/internal/auth"
	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/subsystem"
)

const maxBody = 1 << 20

// Invoker runs a named control-plane operation.
type Invoker interface {
	Invoke(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Options configures a Router.
type Options struct {
	Dispatcher Invoker
	Bus        *events.Bus         // optional; enables GET /events
	Registry   *subsystem.Registry // optional; enables PUT /subsystems/:name
	Links      *events.Links       // optional; records websocket clients
	BasePath   string
	Metrics    bool          // serve GET /metrics
	Auth       *auth.Service // optional; requires a token on every route but /login
	Logger     *slog.Logger
}

// Router provides embeddable HTTP handlers for the control plane.
// Endpoints (relative to basePath):
//
//	POST   /login                   basic credentials or {"username","password"}; returns a bearer token
//	POST   /jsonrpc                 JSON-RPC 2.0 request
//	GET    /events                  websocket: JSON-RPC requests in, event notifications out
//	GET    /plugins[/:callsign]     plugin records
//	PUT    /activate/:callsign
//	PUT    /deactivate/:callsign
//	PUT    /configure/:callsign     body: configuration
//	GET    /configuration/:callsign
//	DELETE /plugins/:callsign
//	PUT    /download                body: {"source","destination","hash"}
//	GET    /downloads, /resumes, /subsystems, /processinfo
//	PUT    /subsystems/:name        query: satisfied=true|false
//	POST   /storeconfig
//	PUT    /harakiri
type Router struct {
	disp     Invoker
	bus      *events.Bus
	registry *subsystem.Registry
	links    *events.Links
	basePath string
	metrics  bool
	auth     *auth.Service
	logger   *slog.Logger
}

func NewRouter(opts Options) *Router {
	r := &Router{
		disp:     opts.Dispatcher,
		bus:      opts.Bus,
		registry: opts.Registry,
		links:    opts.Links,
		basePath: cleanBase(opts.BasePath),
		metrics:  opts.Metrics,
		auth:     opts.Auth,
		logger:   opts.Logger,
	}
	if r.auth != nil {
		r.disp = auth.Guard(r.disp)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// BasePath is the sanitized mount prefix.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/login", r.handleLogin)
		group = group.Group("", r.auth.GinAuth())
	}
	group.POST("/jsonrpc", r.handleRPC)
	if r.bus != nil {
		group.GET("/events", r.handleEvents)
	}
	group.GET("/plugins", r.handleStatus)
	group.GET("/plugins/:callsign", r.handleStatus)
	group.DELETE("/plugins/:callsign", r.callsignOp("delete"))
	group.PUT("/activate/:callsign", r.callsignOp("activate"))
	group.PUT("/deactivate/:callsign", r.callsignOp("deactivate"))
	group.PUT("/configure/:callsign", r.handleConfigure)
	group.GET("/configuration/:callsign", r.callsignOp("configuration"))
	group.PUT("/download", r.handleDownload)
	group.GET("/downloads", r.simpleOp("downloads"))
	group.GET("/resumes", r.simpleOp("resumes"))
	group.GET("/subsystems", r.simpleOp("subsystems"))
	group.PUT("/subsystems/:name", r.handleSetSubsystem)
	group.GET("/processinfo", r.simpleOp("processinfo"))
	group.POST("/storeconfig", r.simpleOp("storeconfig"))
	group.PUT("/harakiri", r.simpleOp("harakiri"))
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an HTTP server for h with the daemon's timeouts. The caller starts it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// MountEcho serves h under base on an existing echo instance.
func MountEcho(e *echo.Echo, base string, h http.Handler) {
	base = cleanBase(base)
	e.Any(base, echo.WrapHandler(h))
	e.Any(base+"/*", echo.WrapHandler(h))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// fail aborts the request with the error envelope; the status follows err's code.
func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(ctlerr.HTTPStatus(err), errorResp{Error: err.Error(), Code: string(ctlerr.CodeOf(err))})
}

func invalid(op string, err error) error {
	return ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, "", err)
}

// cleanBase turns a configured prefix into "" or a rooted path without a trailing slash.
func cleanBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}

func (r *Router) invoke(c *gin.Context, method string, params any) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			fail(c, invalid(method, err))
			return
		}
		raw = b
	}
	res, err := r.disp.Invoke(c.Request.Context(), method, raw)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		fail(c, invalid("jsonrpc", err))
		return
	}
	resp, reply := r.serveRPC(c.Request.Context(), body)
	if !reply {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) callsignOp(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.invoke(c, method, map[string]string{"callsign": c.Param("callsign")})
	}
}

func (r *Router) simpleOp(method string) gin.HandlerFunc {
	return func(c *gin.Context) { r.invoke(c, method, nil) }
}

func (r *Router) handleStatus(c *gin.Context) {
	cs := c.Param("callsign")
	if cs == "" {
		r.invoke(c, "status", nil)
		return
	}
	r.invoke(c, "status", map[string]string{"callsign": cs})
}

func (r *Router) handleConfigure(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		fail(c, invalid("configure", err))
		return
	}
	var cfg json.RawMessage
	if len(body) > 0 {
		if json.Valid(body) {
			cfg = body
		} else {
			cfg, _ = json.Marshal(string(body))
		}
	}
	r.invoke(c, "configure", map[string]any{"callsign": c.Param("callsign"), "configuration": cfg})
}

func (r *Router) handleDownload(c *gin.Context) {
	var p map[string]any
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, invalid("download", err))
		return
	}
	r.invoke(c, "download", p)
}

func (r *Router) handleSetSubsystem(c *gin.Context) {
	if r.registry == nil {
		fail(c, ctlerr.New(ctlerr.CodeNotSupported, auth.MethodSetSubsystem, c.Param("name")))
		return
	}
	if r.auth != nil {
		if err := auth.Authorize(c.Request.Context(), auth.MethodSetSubsystem); err != nil {
			fail(c, err)
			return
		}
	}
	x, err := subsystem.Parse(c.Param("name"))
	if err != nil {
		fail(c, invalid(auth.MethodSetSubsystem, err))
		return
	}
	satisfied := true
	if v := c.Query("satisfied"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail(c, invalid(auth.MethodSetSubsystem, errors.New("satisfied must be a boolean")))
			return
		}
		satisfied = b
	}
	changed := r.registry.Set(x, satisfied)
	c.JSON(http.StatusOK, map[string]any{"subsystem": x.String(), "satisfied": satisfied, "changed": changed})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginRequest
	if user, pass, ok := c.Request.BasicAuth(); ok {
		req = loginRequest{Username: user, Password: pass}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, invalid("login", err))
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		r.logger.Info("Login rejected", "username", req.Username, "remote", c.ClientIP())
		metrics.IncAuthFailure("login")
		fail(c, ctlerr.Wrap(ctlerr.CodeOf(err), "login", "", auth.ErrInvalidCredentials))
		return
	}
	r.logger.Info("Login succeeded", "username", req.Username)
	c.JSON(http.StatusOK, tok)
}
