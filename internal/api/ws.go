package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tetherchat/tether/internal/presence"
	"github.com/tetherchat/tether/internal/security"
)

// eventEnvelope is the wire format for server pushes.
type eventEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// wsPusher adapts a WebSocket connection to presence.Pusher.
type wsPusher struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (p *wsPusher) Push(ctx context.Context, event string, payload any) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, p.conn, eventEnvelope{Event: event, Payload: payload})
}

// handleWebSocket upgrades the connection, registers the user's
// presence and holds the connection open until it closes or the server
// drains. Inbound traffic flows through REST; the socket only carries
// server pushes and keepalive.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()
	clientIP := security.ExtractClientIP(r.RemoteAddr)

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		slog.Warn("rejected connection without identity", "client_ip", clientIP)
		http.Error(w, "missing userId parameter", http.StatusBadRequest)
		return
	}

	// Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Stats.TryIncrementConnections(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Stats.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Stats.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Stats.DecrementConnections(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
		}
		slog.Error("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	handle := presence.NewHandle(userID, &wsPusher{
		conn:         conn,
		writeTimeout: cfg.Server.WriteTimeout,
	})
	h.Registry.Connect(h.ShutdownCtx, handle)

	slog.Info("connection established", "user_id", userID, "client_ip", clientIP, "connection_id", handle.ID())

	// connCtx is cancelled when the connection is done for any reason.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	// Guard the close call; context cancellation can trigger internal
	// closes in coder/websocket concurrently with our cleanup.
	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}

	// Drain watcher: on shutdown, send a graceful close frame so the
	// read loop below returns.
	go func() {
		select {
		case <-h.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	// Keepalive pings detect dead connections.
	// Ping must run concurrently with Reader per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(connCtx, conn, cfg.Server.PingInterval, cfg.Server.PongTimeout, connCancel)
	}

	// Read loop: clients send nothing meaningful on the socket, but the
	// Reader must run to process control frames and detect closure.
	start := time.Now()
	h.readUntilClosed(connCtx, conn)

	connCancel()
	h.Registry.Disconnect(context.Background(), handle)
	closeConn(websocket.StatusNormalClosure, "")
	h.Stats.DecrementConnections(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
	}
	slog.Info("connection closed", "user_id", userID, "client_ip", clientIP, "duration", time.Since(start).String())
}

// readUntilClosed discards inbound frames until the connection dies.
func (h *Handler) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			slog.Debug("read loop stopped", "reason", err)
			return
		}
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and cancels
// the connection context.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
