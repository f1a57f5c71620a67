package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifest-network/aptfeed/internal/config"
)

// fakeFeedServer is a push channel endpoint that records every frame it receives.
type fakeFeedServer struct {
	*httptest.Server
	conns atomic.Int32

	mu       sync.Mutex
	received []map[string]interface{}
}

func newFakeFeedServer(t *testing.T, onConnect func(conn *websocket.Conn, n int32)) *fakeFeedServer {
	t.Helper()
	s := &fakeFeedServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.conns.Add(1)
		if onConnect != nil {
			onConnect(conn, n)
		}
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, frame)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeFeedServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *fakeFeedServer) countType(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.received {
		if f["type"] == typ {
			n++
		}
	}
	return n
}

func (s *fakeFeedServer) frameOfType(typ string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.received {
		if f["type"] == typ {
			return f
		}
	}
	return nil
}

func testOptions(url string) Options {
	return Options{
		Stream: config.StreamConfig{
			URL:               url,
			Channel:           "all",
			AuthCode:          "letmein",
			HeartbeatInterval: 20 * time.Millisecond,
		},
	}
}

func runConnector(ctx context.Context, c *Connector) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return done
}

func TestConnectorLifecycle(t *testing.T) {
	srv := newFakeFeedServer(t, func(conn *websocket.Conn, _ int32) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribed","channel":"all"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
	})

	c := NewConnector(testOptions(srv.url()), nil)
	done := runConnector(context.Background(), c)

	first := <-c.Messages()
	second := <-c.Messages()
	assert.JSONEq(t, `{"type":"subscribed","channel":"all"}`, string(first))
	assert.JSONEq(t, `{"type":"pong"}`, string(second))
	assert.True(t, c.Health().IsConnected())

	require.Eventually(t, func() bool { return srv.countType("subscribe") == 1 }, time.Second, 5*time.Millisecond)
	sub := srv.frameOfType("subscribe")
	assert.Equal(t, "explorer-sub", sub["id"])
	assert.Equal(t, "letmein", sub["code"])
	assert.Equal(t, map[string]interface{}{"channel": "all"}, sub["params"])

	require.Eventually(t, func() bool { return srv.countType("ping") >= 2 }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Eventually(t, func() bool { return srv.countType("unsubscribe") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "explorer-unsub", srv.frameOfType("unsubscribe")["id"])
	assert.False(t, c.Health().IsConnected())
	assert.Equal(t, StateClosed, c.Health().State())

	_, ok := <-c.Messages()
	assert.False(t, ok, "messages channel must be closed")
}

func TestConnectorStopsOnContextCancel(t *testing.T) {
	srv := newFakeFeedServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConnector(testOptions(srv.url()), nil)
	done := runConnector(ctx, c)

	require.Eventually(t, c.Health().IsConnected, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Health().IsConnected())
	require.Eventually(t, func() bool { return srv.countType("unsubscribe") == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectorDoesNotReconnectByDefault(t *testing.T) {
	srv := newFakeFeedServer(t, func(conn *websocket.Conn, _ int32) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	})

	c := NewConnector(testOptions(srv.url()), nil)
	done := runConnector(context.Background(), c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after server close")
	}
	assert.Equal(t, int32(1), srv.conns.Load())
	assert.False(t, c.Health().IsConnected())
}

func TestConnectorReconnects(t *testing.T) {
	srv := newFakeFeedServer(t, func(conn *websocket.Conn, _ int32) {
		_ = conn.Close()
	})

	var mu sync.Mutex
	var states []State
	health := NewHealth()
	health.OnChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	opts := testOptions(srv.url())
	opts.Reconnect = config.ReconnectConfig{
		Enabled:   true,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewConnector(opts, health)
	done := runConnector(ctx, c)

	require.Eventually(t, func() bool { return srv.conns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	connecting := 0
	for _, s := range states {
		if s == StateConnecting {
			connecting++
		}
	}
	assert.GreaterOrEqual(t, connecting, 3)
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestConnectorGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := testOptions(url)
	opts.Reconnect = config.ReconnectConfig{
		Enabled:     true,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 2,
	}

	c := NewConnector(opts, nil)
	done := runConnector(context.Background(), c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up")
	}
	assert.False(t, c.Health().IsConnected())
}

func TestConnectorDialFailureWithoutReconnect(t *testing.T) {
	c := NewConnector(testOptions("ws://127.0.0.1:1/ws"), nil)
	done := runConnector(context.Background(), c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after dial failure")
	}
	assert.Equal(t, StateClosed, c.Health().State())
	assert.NotPanics(t, c.Close)
}

func TestHealthStateNames(t *testing.T) {
	cases := map[State]string{
		StateClosed:     "closed",
		StateConnecting: "connecting",
		StateOpen:       "open",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestHealthObserverSeesTransitions(t *testing.T) {
	h := NewHealth()
	var seen []State
	h.OnChange(func(s State) { seen = append(seen, s) })

	h.set(StateConnecting)
	assert.False(t, h.IsConnected())
	h.set(StateOpen)
	assert.True(t, h.IsConnected())
	h.set(StateOpen)
	h.set(StateClosed)
	assert.False(t, h.IsConnected())

	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, seen)
}

func TestConnectorClosedBeforeSessionStaysClosed(t *testing.T) {
	srv := newFakeFeedServer(t, nil)
	health := NewHealth()
	var states []State
	health.OnChange(func(s State) { states = append(states, s) })

	c := NewConnector(testOptions(srv.url()), health)
	c.Close()

	assert.False(t, c.session(context.Background()))
	assert.Equal(t, StateClosed, health.State())
	assert.NotContains(t, states, StateOpen)
}

func TestConnectorNeverReportsOpenAfterClose(t *testing.T) {
	srv := newFakeFeedServer(t, nil)

	for i := 0; i < 50; i++ {
		health := NewHealth()
		c := NewConnector(testOptions(srv.url()), health)
		var openAfterClose atomic.Bool
		health.OnChange(func(s State) {
			if s == StateOpen && c.isDone() {
				openAfterClose.Store(true)
			}
		})

		done := runConnector(context.Background(), c)
		time.Sleep(time.Duration(i%5) * 200 * time.Microsecond)
		c.Close()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Close")
		}
		require.False(t, openAfterClose.Load(), "iteration %d reported open after close", i)
		require.Equal(t, StateClosed, health.State())
	}
}
