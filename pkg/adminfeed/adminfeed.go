// Package adminfeed broadcasts live events (request record completed,
// records evicted by retention) to connected admin dashboard clients over a
// websocket, and gates the connection behind an optional bearer token.
package adminfeed

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/charmbracelet/log"
)

const (
	clientSendBuffer = 16
	pingInterval     = 25 * time.Second
	readDeadline     = 60 * time.Second
)

type client struct {
	ch chan []byte
}

// Feed fans events out to every connected admin websocket client,
// dropping the oldest queued event for a client instead of blocking
// when that client falls behind.
type Feed struct {
	token string

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(token string) *Feed {
	return &Feed{
		token:   token,
		clients: map[*client]struct{}{},
	}
}

// Broadcast encodes event as JSON and enqueues it on every connected
// client. A failure to encode is logged and the event is dropped.
func (f *Feed) Broadcast(event map[string]any) {
	if event == nil {
		return
	}
	b, err := json.Marshal(event)
	if err != nil {
		log.Warn("admin feed event encode failed", "error", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.ch <- b:
		default:
			select {
			case <-c.ch:
			default:
			}
			select {
			case c.ch <- b:
			default:
			}
		}
	}
}

func (f *Feed) register(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authorized reports whether r carries the configured admin token. When
// no token is configured, every request is trusted -- the server is
// expected to be bound to loopback in that case. The token may arrive
// either as a Bearer Authorization header or a "token" query parameter,
// since a browser WebSocket client cannot set custom headers on the
// handshake request.
func (f *Feed) authorized(r *http.Request) bool {
	if f.token == "" {
		return true
	}
	got := bearerToken(r.Header)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(f.token)) == 1
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	},
}

// ServeWS upgrades r to a websocket connection and streams broadcast
// events to it until the client disconnects.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("admin websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c := &client{ch: make(chan []byte, clientSendBuffer)}
	f.register(c)
	defer f.unregister(c)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// RequireAuth gates an arbitrary admin HTTP handler (e.g. GET
// /admin/snapshot) behind the same token check as the websocket.
func (f *Feed) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
