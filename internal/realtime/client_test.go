package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestClient_BackoffIsBoundedWithJitter(t *testing.T) {
	c := NewClient(ClientOptions{
		URL:         "ws://unused",
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  800 * time.Millisecond,
	})

	for attempt := 1; attempt <= 50; attempt++ {
		for i := 0; i < 20; i++ {
			d := c.backoffDelay(attempt)
			// Delay is exponential from the base, capped, plus at most 25%.
			want := 100 * time.Millisecond << (attempt - 1)
			if want > 800*time.Millisecond || want <= 0 {
				want = 800 * time.Millisecond
			}
			if d < want {
				t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, want)
			}
			if d > want+want/4 {
				t.Fatalf("attempt %d: delay %v above ceiling %v", attempt, d, want+want/4)
			}
		}
	}
}

func TestClient_FailsAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	c := NewClient(ClientOptions{
		URL:         "ws://unused",
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 3,
		Dial: func(url string) (*websocket.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("refused")
		},
	})

	c.Connect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.State() != ConnFailed {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != ConnFailed {
		t.Fatalf("expected failed, got %s", c.State())
	}
	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 3 {
		t.Errorf("expected exactly 3 dial attempts, got %d", got)
	}
}

func TestClient_ReconnectResetsBudget(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	c := NewClient(ClientOptions{
		URL:         "ws://unused",
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 2,
		Dial: func(url string) (*websocket.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("refused")
		},
	})

	waitFailed := func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && c.State() != ConnFailed {
			time.Sleep(5 * time.Millisecond)
		}
		if c.State() != ConnFailed {
			t.Fatalf("expected failed, got %s", c.State())
		}
	}

	c.Connect()
	waitFailed()

	// Manual reconnect grants a fresh attempt budget: the dial count runs
	// to twice the limit before parking on failed again.
	c.Reconnect()
	waitFailed()

	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 4 {
		t.Errorf("expected 2 dials per budget, got %d total", got)
	}
	c.Close()
}

func TestClient_DropAfterConnectBacksOffBeforeRetry(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Accept, then drop the link immediately.
		ws.Close()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	var mu sync.Mutex
	var dialTimes []time.Time
	var seen []ConnState

	c := NewClient(ClientOptions{
		URL:         url,
		BackoffBase: 150 * time.Millisecond,
		BackoffCap:  300 * time.Millisecond,
		MaxAttempts: 5,
		Dial: func(u string) (*websocket.Conn, error) {
			mu.Lock()
			dialTimes = append(dialTimes, time.Now())
			mu.Unlock()
			ws, _, err := websocket.DefaultDialer.Dial(u, nil)
			return ws, err
		},
	})
	c.OnStateChange("obs", func(state ConnState, attempt int) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})

	c.Connect()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(dialTimes)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(dialTimes) < 2 {
		t.Fatalf("expected a retry after the drop, got %d dials", len(dialTimes))
	}
	// The first retry is attempt 1: at least the base delay, no free redial.
	gap := dialTimes[1].Sub(dialTimes[0])
	if gap < 150*time.Millisecond {
		t.Errorf("retry after drop must wait the backoff delay, got %v", gap)
	}
	var sawError, sawReconnecting bool
	for _, s := range seen {
		if s == ConnError {
			sawError = true
		}
		if s == ConnReconnecting {
			sawReconnecting = true
		}
	}
	if !sawError || !sawReconnecting {
		t.Errorf("drop must pass through error and reconnecting, saw %v", seen)
	}
}

func TestClient_ListenerRegistryCapacityAndIdempotency(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://unused", ListenerCap: 2})

	c.OnEvent("a", nil)
	c.OnEvent("b", nil)
	// Registry full: a new id is dropped, not evicting anything.
	c.OnEvent("c", nil)
	// Re-registering a held id always succeeds.
	c.OnEvent("a", nil)

	c.mu.Lock()
	_, hasA := c.eventListeners["a"]
	_, hasB := c.eventListeners["b"]
	_, hasC := c.eventListeners["c"]
	total := len(c.eventListeners)
	c.mu.Unlock()

	if !hasA || !hasB {
		t.Error("held registrations must survive")
	}
	if hasC {
		t.Error("overflow registration must be dropped")
	}
	if total != 2 {
		t.Errorf("expected 2 listeners, got %d", total)
	}

	c.OffEvent("b")
	c.OnEvent("c", nil)
	c.mu.Lock()
	_, hasC = c.eventListeners["c"]
	c.mu.Unlock()
	if !hasC {
		t.Error("freed capacity must accept new registrations")
	}
}

func TestClient_StateListenersObserveTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []ConnState
	c := NewClient(ClientOptions{
		URL:         "ws://unused",
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 2,
		Dial: func(url string) (*websocket.Conn, error) {
			return nil, fmt.Errorf("refused")
		},
	})
	c.OnStateChange("obs", func(state ConnState, attempt int) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})

	c.Connect()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.State() != ConnFailed {
		time.Sleep(5 * time.Millisecond)
	}

	waitSeen := func(want ConnState) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == want {
				return true
			}
		}
		return false
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(waitSeen(ConnConnecting) && waitSeen(ConnReconnecting) && waitSeen(ConnFailed)) {
		time.Sleep(5 * time.Millisecond)
	}
	if !waitSeen(ConnConnecting) || !waitSeen(ConnReconnecting) || !waitSeen(ConnFailed) {
		mu.Lock()
		t.Errorf("missing transitions, saw %v", seen)
		mu.Unlock()
	}
}
