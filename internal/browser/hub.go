package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/session"
)

// TokenParser validates the token a tab connects with
type TokenParser interface {
	ParseAuthToken(token string, maxAge time.Duration) (string, error)
}

// Sessions attaches tabs to patient sessions
type Sessions interface {
	Attach(ctx context.Context, patientID string, tab session.Tab) (*session.Session, error)
	Detach(patientID string, tab session.Tab)
}

// HubConfig holds websocket settings
type HubConfig struct {
	TokenMaxAge time.Duration
	// HelloTimeout bounds the wait for the first frame
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	// SnoozeTimeout bounds one snooze request
	SnoozeTimeout time.Duration
	// AllowedOrigins restricts the Origin header; empty allows any origin
	AllowedOrigins []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		TokenMaxAge:   12 * time.Hour,
		HelloTimeout:  10 * time.Second,
		WriteTimeout:  10 * time.Second,
		SnoozeTimeout: 10 * time.Second,
	}
}

// Hub accepts tab connections on /ws/notifications?token=
type Hub struct {
	cfg      HubConfig
	tokens   TokenParser
	sessions Sessions
	logger   *zap.Logger

	mu   sync.RWMutex
	tabs map[string]*Tab
}

func NewHub(cfg HubConfig, tokens TokenParser, sessions Sessions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultHubConfig()
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = def.TokenMaxAge
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = def.HelloTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SnoozeTimeout <= 0 {
		cfg.SnoozeTimeout = def.SnoozeTimeout
	}
	return &Hub{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		logger:   logger,
		tabs:     make(map[string]*Tab),
	}
}

// ServeHTTP authenticates the token before upgrading. An invalid token never
// reaches the websocket handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	patientID, err := h.tokens.ParseAuthToken(r.URL.Query().Get("token"), h.cfg.TokenMaxAge)
	if err != nil {
		h.logger.Debug("rejected websocket token", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	server := websocket.Server{
		Handshake: h.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			h.serve(conn, patientID)
		},
	}
	server.ServeHTTP(w, r)
}

func (h *Hub) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return errors.New("missing origin")
	}
	cfg.Origin = origin
	if len(h.cfg.AllowedOrigins) == 0 {
		return nil
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if sameOrigin(origin, allowed) {
			return nil
		}
	}
	return fmt.Errorf("origin %s not allowed", origin)
}

func sameOrigin(origin *url.URL, allowed string) bool {
	u, err := url.Parse(allowed)
	if err != nil {
		return false
	}
	return origin.Scheme == u.Scheme && origin.Host == u.Host
}

func (h *Hub) serve(conn *websocket.Conn, patientID string) {
	defer conn.Close()
	logger := h.logger.With(zap.String("patient_id", patientID))

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HelloTimeout))
	var hello Frame
	if err := websocket.JSON.Receive(conn, &hello); err != nil || hello.Type != FrameHello {
		logger.Debug("connection closed before hello", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	perm := hello.Permission
	if perm == "" {
		perm = reminder.PermissionDefault
	}
	tab := newTab(patientID, conn, perm, h.cfg.WriteTimeout, logger)

	h.mu.Lock()
	h.tabs[tab.ID()] = tab
	h.mu.Unlock()
	defer func() {
		tab.close()
		h.mu.Lock()
		delete(h.tabs, tab.ID())
		h.mu.Unlock()
	}()

	sess, err := h.sessions.Attach(context.Background(), patientID, tab)
	if err != nil {
		logger.Error("failed to attach tab", zap.Error(err))
		_ = tab.send(Frame{Type: FrameError, ErrorCode: CodeFailed, Error: "session unavailable"})
		return
	}
	defer h.sessions.Detach(patientID, tab)

	if err := tab.send(Frame{Type: FrameWelcome, TabID: tab.ID(), Permission: perm}); err != nil {
		return
	}
	logger.Info("tab connected", zap.String("tab_id", tab.ID()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var f Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			logger.Debug("tab disconnected", zap.String("tab_id", tab.ID()), zap.Error(err))
			tab.close()
			return
		}

		switch f.Type {
		case FrameRPCResult:
			tab.resolve(f)
		case FramePermission:
			tab.setPermission(f.Permission)
		case FramePing:
			_ = tab.send(Frame{Type: FramePong})
		case FrameSnooze:
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				h.snooze(sess, tab, key)
			}(f.DedupKey)
		default:
			_ = tab.send(Frame{Type: FrameError, ErrorCode: "invalid", Error: "unknown frame type " + f.Type})
		}
	}
}

func (h *Hub) snooze(sess *session.Session, tab *Tab, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SnoozeTimeout)
	defer cancel()

	occ, err := sess.Snooze(ctx, key)
	if err != nil {
		_ = tab.send(Frame{Type: FrameError, DedupKey: key, ErrorCode: errorCode(err), Error: err.Error()})
		return
	}
	_ = tab.send(Frame{Type: FrameSnoozed, DedupKey: key, Occurrence: &occ})
}

// Tab returns a connected tab by id
func (h *Hub) Tab(id string) (*Tab, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tabs[id]
	return t, ok
}

// Len returns the number of connected tabs
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}
