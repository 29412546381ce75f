// Package realtime keeps the websocket channel to the remote service open.
// It feeds the connection state into the engine's connectivity signals and
// delivers operations the service accepted from other clients.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	ws "canvas-sync/internal/websocket"

	"github.com/gorilla/websocket"
)

// Sink receives what the channel observes. service.Engine implements it.
type Sink interface {
	SetRemoteConnected(connected bool) domain.ConnectivityState
	ApplyRemote(ctx context.Context, remote domain.RemoteOperation) error
	Documents() []string
}

type Config struct {
	URL      string
	Token    string
	ClientID string

	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	SubscribeInterval time.Duration
	MaxMessageSize    int64

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.SubscribeInterval <= 0 {
		c.SubscribeInterval = time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

var ErrNoURL = errors.New("realtime url is not configured")

type Monitor struct {
	cfg    Config
	sink   Sink
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewMonitor(cfg Config, sink Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:  cfg.withDefaults(),
		sink: sink,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "realtime"),
	}
}

// Run dials the channel and redials with backoff until ctx is done. The sink
// sees SetRemoteConnected(true) after every successful dial and
// SetRemoteConnected(false) after every drop.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.URL == "" {
		return ErrNoURL
	}
	target, err := m.endpoint()
	if err != nil {
		return err
	}

	backoff := connectivity.NewBackoff(m.cfg.ReconnectMin, m.cfg.ReconnectMax)
	for {
		connected, err := m.connect(ctx, target)
		if connected {
			m.sink.SetRemoteConnected(false)
			backoff.Reset()
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Next()
		m.logger.Warn("realtime channel down", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if m.cfg.ClientID != "" {
		q := u.Query()
		q.Set("client_id", m.cfg.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connect serves one connection until it drops and reports whether the dial
// succeeded.
func (m *Monitor) connect(ctx context.Context, target string) (bool, error) {
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	conn, _, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		return false, fmt.Errorf("failed to dial realtime channel: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	m.logger.Info("realtime channel connected")
	m.sink.SetRemoteConnected(true)

	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readPump(ctx, conn)
	}()

	return true, m.writePump(conn, readErr)
}

func (m *Monitor) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		m.handle(ctx, &msg)
	}
}

func (m *Monitor) handle(ctx context.Context, msg *ws.Message) {
	switch msg.Type {
	case ws.TypeOperation:
		var remote domain.RemoteOperation
		if err := msg.UnmarshalPayload(&remote); err != nil {
			m.logger.Warn("invalid remote operation", "error", err)
			return
		}
		if err := m.sink.ApplyRemote(ctx, remote); err != nil {
			m.logger.Warn("failed to apply remote operation",
				"document_id", remote.DocumentID, "revision", remote.Revision, "error", err)
		}
	case ws.TypeError:
		var payload ws.ErrorPayload
		msg.UnmarshalPayload(&payload)
		m.logger.Warn("realtime channel error", "error", payload.Error)
	case ws.TypePing, ws.TypePong:
	default:
		m.logger.Debug("ignoring realtime message", "type", msg.Type)
	}
}

// writePump is the only writer on conn. It keeps the document subscriptions
// in step with the sink's open documents and pings the service.
func (m *Monitor) writePump(conn *websocket.Conn, readErr <-chan error) error {
	ping := time.NewTicker(m.cfg.PingPeriod)
	defer ping.Stop()
	resync := time.NewTicker(m.cfg.SubscribeInterval)
	defer resync.Stop()

	subscribed := map[string]bool{}
	if err := m.syncSubscriptions(conn, subscribed); err != nil {
		return err
	}

	for {
		select {
		case err := <-readErr:
			return err

		case <-resync.C:
			if err := m.syncSubscriptions(conn, subscribed); err != nil {
				return err
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) syncSubscriptions(conn *websocket.Conn, subscribed map[string]bool) error {
	open := map[string]bool{}
	for _, id := range m.sink.Documents() {
		open[id] = true
		if !subscribed[id] {
			if err := m.send(conn, ws.TypeSubscribe, id); err != nil {
				return err
			}
			subscribed[id] = true
		}
	}
	for id := range subscribed {
		if !open[id] {
			if err := m.send(conn, ws.TypeUnsubscribe, id); err != nil {
				return err
			}
			delete(subscribed, id)
		}
	}
	return nil
}

func (m *Monitor) send(conn *websocket.Conn, msgType ws.MessageType, documentID string) error {
	msg, err := ws.NewMessage(msgType, ws.SubscribePayload{DocumentID: documentID, ClientID: m.cfg.ClientID})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	return conn.WriteJSON(msg)
}
