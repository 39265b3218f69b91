package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/plugind/internal/auth"
	"github.com/loykin/plugind/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsSession is one websocket client. Writes are serialized by mu.
type wsSession struct {
	id     string // link id; empty when links are not tracked
	conn   *websocket.Conn
	mu     sync.Mutex
	filter map[string]bool // empty means every event
}

func (s *wsSession) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *wsSession) wants(name string) bool {
	return len(s.filter) == 0 || s.filter[name]
}

// handleEvents upgrades to a websocket. Incoming text frames are JSON-RPC
// requests; bus events are pushed as JSON-RPC notifications. The optional
// query parameter events=a,b limits which events are pushed.
func (r *Router) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	sess := &wsSession{conn: conn, filter: map[string]bool{}}
	var names []string
	for _, n := range strings.Split(c.Query("events"), ",") {
		if n = strings.TrimSpace(n); n != "" && !sess.filter[n] {
			sess.filter[n] = true
			names = append(names, n)
		}
	}
	if r.links != nil {
		var who string
		if p, ok := auth.PrincipalFrom(c.Request.Context()); ok {
			who = p.Subject
		}
		sess.id = r.links.Add(c.Request.RemoteAddr, who, names)
		defer r.links.Remove(sess.id)
	}

	// subscribe before reading so a client that issues a request right away sees its events
	sub := r.bus.Channel(wsBuffer)
	// keeps request values such as the authenticated principal past the upgrade
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pushEvents(ctx, sess, sub)
	}()

	r.logger.Debug("Websocket client connected", "remote", conn.RemoteAddr().String())
	r.readRequests(ctx, sess)

	cancel()
	_ = sub.Close()
	wg.Wait()
	_ = conn.Close()
	r.logger.Debug("Websocket client disconnected", "remote", conn.RemoteAddr().String())
}

func (r *Router) readRequests(ctx context.Context, s *wsSession) {
	s.conn.SetReadLimit(maxBody)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("Websocket read failed", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		resp, reply := r.serveRPC(ctx, msg)
		if !reply {
			continue
		}
		if err := s.write(resp); err != nil {
			return
		}
	}
}

func (r *Router) pushEvents(ctx context.Context, s *wsSession, sub *events.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.wants(e.Name) {
				continue
			}
			if err := s.write(rpcNotification{JSONRPC: jsonrpcVersion, Method: e.Name, Params: e.Payload}); err != nil {
				_ = s.conn.Close()
				return
			}
			if r.links != nil && s.id != "" {
				r.links.Delivered(s.id)
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}
