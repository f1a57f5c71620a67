package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/envelope"
	"github.com/manifest-network/aptfeed/internal/metrics"
	"github.com/manifest-network/aptfeed/internal/utils"
)

const (
	writeTimeout      = 5 * time.Second
	messageBufferSize = 64
)

// Options configures a Connector.
type Options struct {
	Stream    config.StreamConfig
	Reconnect config.ReconnectConfig
	Header    http.Header
	Dialer    *websocket.Dialer
}

// Connector owns the lifecycle of the push channel: connect, subscribe,
// heartbeat, unsubscribe and close. It does not interpret inbound frames;
// they are delivered in arrival order on Messages.
type Connector struct {
	opts   Options
	health *Health
	dialer *websocket.Dialer

	messages chan []byte
	done     chan struct{}
	once     sync.Once

	// mu guards conn and serialises writes; gorilla allows a single concurrent writer.
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewConnector(opts Options, health *Health) *Connector {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if health == nil {
		health = NewHealth()
	}
	return &Connector{
		opts:     opts,
		health:   health,
		dialer:   dialer,
		messages: make(chan []byte, messageBufferSize),
		done:     make(chan struct{}),
	}
}

// Messages returns the inbound frame channel. It is closed when Run returns.
func (c *Connector) Messages() <-chan []byte {
	return c.messages
}

func (c *Connector) Health() *Health {
	return c.health
}

// Run connects and pumps inbound frames until ctx is cancelled, Close is
// called, or the channel ends with reconnects disabled. Transport failures
// are logged and reflected in Health; Run never returns them.
func (c *Connector) Run(ctx context.Context) {
	defer close(c.messages)
	defer c.health.set(StateClosed)
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	var attempt uint
	for {
		opened := c.session(ctx)
		if c.stopped(ctx) || !c.opts.Reconnect.Enabled {
			return
		}
		if opened {
			attempt = 0
		}
		if limit := c.opts.Reconnect.MaxAttempts; limit > 0 && attempt >= limit {
			slog.Error("Giving up on push channel", "attempts", attempt)
			return
		}

		delay := utils.BackoffDelay(attempt, c.opts.Reconnect.BaseDelay, c.opts.Reconnect.MaxDelay)
		attempt++
		metrics.ReconnectsTotal.Inc()
		slog.Info("Reconnecting to push channel", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection attempt to completion. It reports whether the channel reached the open state.
func (c *Connector) session(ctx context.Context) bool {
	c.health.set(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.opts.Stream.URL, c.opts.Header)
	if err != nil {
		slog.Error("Failed to connect to push channel", "url", c.opts.Stream.URL, "error", err)
		c.health.set(StateClosed)
		return false
	}

	c.mu.Lock()
	if c.isDone() {
		c.mu.Unlock()
		_ = conn.Close()
		c.health.set(StateClosed)
		return false
	}
	c.conn = conn
	// Open is published under mu so a concurrent Close always lands after it.
	c.health.set(StateOpen)
	c.mu.Unlock()

	slog.Info("Push channel open", "url", c.opts.Stream.URL)

	if err := c.write(envelope.NewSubscribe(c.opts.Stream.Channel, c.opts.Stream.AuthCode)); err != nil {
		slog.Error("Failed to send subscribe", "error", err)
	}

	sessionDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(sessionDone)
	}()

	c.readLoop(conn)

	close(sessionDone)
	wg.Wait()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.health.set(StateClosed)
	return true
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isDone() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Push channel closed")
			} else {
				slog.Error("Push channel read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Connector) heartbeat(sessionDone <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if !c.health.IsConnected() {
				return
			}
			if err := c.write(envelope.NewPing()); err != nil {
				slog.Warn("Failed to send heartbeat", "error", err)
			}
		}
	}
}

var errNotConnected = errors.New("push channel is not connected")

func (c *Connector) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close tears the channel down: it stops the heartbeat and, if the channel is
// open, unsubscribes before closing. Safe to call more than once.
func (c *Connector) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()

		open := c.health.IsConnected()
		if open {
			if err := c.write(envelope.NewUnsubscribe(c.opts.Stream.Channel)); err != nil {
				slog.Warn("Failed to send unsubscribe", "error", err)
			}
		}

		c.mu.Lock()
		if c.conn != nil {
			if open {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			_ = c.conn.Close()
		}
		c.mu.Unlock()

		c.health.set(StateClosed)
	})
}

func (c *Connector) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connector) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || c.isDone()
}
