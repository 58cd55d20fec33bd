package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
)

// Identity headers set by the upstream authentication proxy
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserTier = "X-User-Tier"
)

const (
	sendBuffer = 64
	// Frames above the decoder bound are answered with invalid_input; only
	// frames far beyond it make the socket fail outright.
	readLimitFactor = 4
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// wsConn is a gorilla websocket with a single writer goroutine. Send only
// queues; writePump owns every data write.
type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeWait    time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

func newWSConn(ws *websocket.Conn, cfg config.ServerConfig, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeWait:    cfg.WriteWait,
		pingInterval: cfg.PingInterval,
		logger:       logger,
	}
}

// Send implements Conn
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSlowConsumer
	}
}

// Close implements Conn
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug("Close frame not sent", zap.Error(werr))
		}
		err = c.ws.Close()
	})
	return err
}

// abort drops the socket without a close frame (the peer is gone)
func (c *wsConn) abort() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// reject reports err to a socket that never became a session and closes it
// with the error's close code.
func (c *wsConn) reject(err *protocol.Error) {
	if frame, eerr := protocol.Encode(err.Message("")); eerr == nil {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
		_ = c.ws.WriteMessage(websocket.TextMessage, frame)
	}
	reason := err.Reason
	if reason == "" {
		reason = string(err.Code)
	}
	_ = c.Close(err.Code.CloseCode(), reason)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Socket write failed", zap.Error(err))
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.logger.Debug("Socket ping failed", zap.Error(err))
				c.abort()
				return
			}
		}
	}
}

// wsHandler upgrades client connections and runs their receive loop
type wsHandler struct {
	ctx      context.Context
	cfg      *config.Config
	registry *Registry
	router   *messageRouter
	decoder  *protocol.Decoder
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(
	ctx context.Context,
	cfg *config.Config,
	registry *Registry,
	router *messageRouter,
	decoder *protocol.Decoder,
	logger *zap.Logger,
) *wsHandler {
	return &wsHandler{
		ctx:      ctx,
		cfg:      cfg,
		registry: registry,
		router:   router,
		decoder:  decoder,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the authenticating proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, protocol.NewError(protocol.CodeAuthFailed).WithReason(protocol.ReasonAuth), "")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(int64(h.decoder.MaxBytes()) * readLimitFactor)
	conn := newWSConn(ws, h.cfg.Server, h.logger)

	session, err := h.registry.Connect(h.ctx, userID, r.Header.Get(HeaderUserTier), conn)
	if err != nil {
		pe := protocol.AsError(err)
		if pe.Code == protocol.CodeServerError {
			h.logger.Error("Connect failed", zap.String("user_id", userID), zap.Error(err))
		}
		conn.reject(pe)
		return
	}
	go conn.writePump()

	hello := protocol.ConnectionEstablished{
		SessionID: session.ID,
		Features:  tierFeatures(h.cfg, session.Tier),
	}
	if err := h.registry.Send(h.ctx, session.ID, hello, ""); err != nil {
		return
	}
	h.readLoop(session, conn)
}

func (h *wsHandler) readLoop(s *Session, conn *wsConn) {
	ctx := h.ctx
	defer func() {
		_ = h.registry.Disconnect(context.WithoutCancel(ctx), s.ID)
	}()

	pongWait := h.cfg.Server.PongWait
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Socket read ended", zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.registry.Touch(ctx, s.ID); errors.Is(err, ErrUnknownSession) {
			return
		}

		in, err := h.decoder.Decode(raw)
		if err == nil {
			err = h.router.route(ctx, s, in)
		}
		if err != nil {
			h.report(ctx, s, in, err)
		}
	}
}

// report sends err to the session. Only the code, its fixed message and
// rate-limit metadata leave the process.
func (h *wsHandler) report(ctx context.Context, s *Session, in *protocol.Inbound, err error) {
	pe := protocol.AsError(err)
	requestID := ""
	if in != nil {
		requestID = in.RequestID
	}
	switch pe.Code {
	case protocol.CodeServerError, protocol.CodeResearchFailed:
		h.logger.Error("Request failed", zap.String("session_id", s.ID), zap.String("code", string(pe.Code)), zap.Error(err))
	default:
		h.logger.Debug("Request rejected", zap.String("session_id", s.ID), zap.String("code", string(pe.Code)), zap.Error(err))
	}
	_ = h.registry.Send(ctx, s.ID, pe.Message(requestID), requestID)
}

// tierFeatures is the capability map announced on connect
func tierFeatures(cfg *config.Config, tier string) protocol.Features {
	name, t := cfg.Tier(tier)
	modes := make([]protocol.Mode, 0, len(t.Modes))
	for _, m := range t.Modes {
		modes = append(modes, protocol.Mode(m))
	}
	return protocol.Features{
		Tier:               name,
		MaxConnections:     t.MaxConnections,
		MaxConcurrentTasks: t.MaxConcurrentTasks,
		Modes:              modes,
		Export:             t.Export,
	}
}
