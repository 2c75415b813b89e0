package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spot-trading-core/internal/logging"
)

type received struct {
	mu     sync.Mutex
	prices map[string][]float64
	ch     chan struct{}
}

func newReceived() *received {
	return &received{prices: make(map[string][]float64), ch: make(chan struct{}, 64)}
}

func (r *received) handle(_ context.Context, symbol string, price float64) {
	r.mu.Lock()
	r.prices[symbol] = append(r.prices[symbol], price)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *received) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d ticks", i, n)
		}
	}
}

// wsServer sends messages[conn] on the n-th connection and then closes it.
func wsServer(t *testing.T, messages [][]string) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&conns, 1)) - 1
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if n >= len(messages) {
			// Hold the last connection open until the client leaves.
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, m := range messages[n] {
			if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedDeliversAndReconnects(t *testing.T) {
	srv, conns := wsServer(t, [][]string{
		{`{"s":"SOLUSDT","p":"15.05"}`, `{"s":"BTCUSDT","p":"60000"}`, `not json`},
		{`[{"s":"solusdt","p":"15.21"},{"s":"SOLUSDT","p":"bad"}]`},
	})
	got := newReceived()
	f := New(wsURL(srv), got.handle, logging.Nop(), "SOLUSDT")
	f.InitialInterval = 10 * time.Millisecond
	f.MaxInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	got.wait(t, 2)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	sol := got.prices["SOLUSDT"]
	if len(sol) != 2 || sol[0] != 15.05 || sol[1] != 15.21 {
		t.Errorf("SOLUSDT prices = %v", sol)
	}
	if _, ok := got.prices["BTCUSDT"]; ok {
		t.Error("unsubscribed symbol delivered")
	}
	if atomic.LoadInt32(conns) < 2 {
		t.Errorf("connections = %d, want a reconnect", atomic.LoadInt32(conns))
	}
	if st := f.Stats(); st.Ticks != 2 || st.Reconnects < 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFeedRetriesDialUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	f := New(url, func(context.Context, string, float64) {}, logging.Nop())
	f.InitialInterval = 5 * time.Millisecond
	f.MaxInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := f.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v, want deadline exceeded", err)
	}
}
