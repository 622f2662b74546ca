// Package gateway exposes the voice pipeline over WebSocket and NATS.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler runs one utterance. *pipeline.Orchestrator satisfies it.
type Handler interface {
	Handle(ctx context.Context, req pipeline.Request, sink pipeline.Sink) pipeline.Outcome
}

// Limits bound what one client may submit.
type Limits struct {
	CommandsPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

// WebSocket serves voice commands on an upgraded HTTP connection. Each
// command runs in its own goroutine; all of them are cancelled when the
// client goes away.
type WebSocket struct {
	handler  Handler
	limits   Limits
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocket(handler Handler, limits Limits, log *slog.Logger) *WebSocket {
	if limits.CommandsPerSecond <= 0 {
		limits.CommandsPerSecond = 2
	}
	if limits.Burst <= 0 {
		limits.Burst = 4
	}
	if limits.MaxMessageBytes <= 0 {
		limits.MaxMessageBytes = 8 << 20
	}
	return &WebSocket{
		handler: handler,
		limits:  limits,
		log:     log.With(slog.String("component", "gateway.websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
		},
	}
}

func (g *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsConn{
		conn:    conn,
		log:     g.log.With(slog.String("remote", r.RemoteAddr)),
		limiter: rate.NewLimiter(rate.Limit(g.limits.CommandsPerSecond), g.limits.Burst),
	}
	// The request context ends with the handler, so connection lifetime
	// hangs off a detached context cancelled on disconnect.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	c.log.Info("client connected")
	g.serve(ctx, cancel, c)
	c.log.Info("client disconnected")
}

func (g *WebSocket) serve(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(g.limits.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(ctx)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd protocol.VoiceCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reject(ctx, "", "bad_request", "message is not a voice command")
			continue
		}
		req, err := RequestFrom(cmd)
		if err != nil {
			c.reject(ctx, cmd.UtteranceID, "bad_request", err.Error())
			continue
		}
		if !c.limiter.Allow() {
			c.reject(ctx, req.UtteranceID, "rate_limited", "too many commands, slow down")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.handler.Handle(ctx, req, c)
		}()
	}
}

// RequestFrom validates an inbound command.
func RequestFrom(cmd protocol.VoiceCommand) (pipeline.Request, error) {
	switch cmd.Type {
	case protocol.TypeVoiceCommand, protocol.TypeTextCommand, "":
	default:
		return pipeline.Request{}, errors.New("unsupported message type " + cmd.Type)
	}
	req := pipeline.Request{
		UtteranceID: strings.TrimSpace(cmd.UtteranceID),
		Audio:       cmd.Audio,
		Language:    cmd.Language,
		Text:        strings.TrimSpace(cmd.Text),
	}
	if len(req.Audio) == 0 && req.Text == "" {
		return pipeline.Request{}, errors.New("command has neither audio nor text")
	}
	return req, nil
}

// wsConn serializes writes from concurrent utterances.
type wsConn struct {
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *rate.Limiter
	mu      sync.Mutex
}

func (c *wsConn) Emit(ctx context.Context, e pipeline.Event) error {
	return c.write(ctx, e.Envelope())
}

func (c *wsConn) write(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) reject(ctx context.Context, utteranceID, kind, message string) {
	err := c.write(ctx, protocol.Envelope{
		Type:        protocol.TypeVoiceError,
		UtteranceID: utteranceID,
		Timestamp:   time.Now().UTC(),
		Data:        protocol.Error{Stage: "gateway", Kind: kind, Message: message},
	})
	if err != nil {
		c.log.Warn("failed to send rejection", slog.String("error", err.Error()))
	}
}

func (c *wsConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
