package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// readSSEData returns the next data: line payload, skipping blank lines
// and named events.
func readSSEData(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()
	select {
	case <-deadline:
		t.Fatal("timed out waiting for SSE data")
		return nil
	case line, ok := <-lines:
		if !ok {
			t.Fatal("stream closed before data arrived")
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("decode SSE payload %q: %v", line, err)
		}
		return payload
	}
}

func waitForSubscribers(t *testing.T, g *testGateway, want int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if g.bus.SubscriberCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d", want)
}

func TestStream_GreetingAndDelivery(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, "")

	srv := httptest.NewServer(g.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/realtime/stream")
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	greeting := readSSEData(t, reader)
	if greeting["type"] != "connected" {
		t.Errorf("greeting = %v", greeting)
	}

	waitForSubscribers(t, g, 1)
	g.bus.Publish("realtime_event", map[string]any{"type": "realtime_event", "call_id": "c-1"})

	msg := readSSEData(t, reader)
	if msg["type"] != "realtime_event" || msg["call_id"] != "c-1" {
		t.Errorf("message = %v", msg)
	}
}

func TestStream_CallFilter(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, "")

	srv := httptest.NewServer(g.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/realtime/stream?call_id=c-keep")
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readSSEData(t, reader) // greeting

	waitForSubscribers(t, g, 1)
	g.bus.Publish("realtime_event", map[string]any{"type": "realtime_event", "call_id": "c-drop"})
	g.bus.Publish("realtime_event", map[string]any{"type": "realtime_event", "call_id": "c-keep"})

	msg := readSSEData(t, reader)
	if msg["call_id"] != "c-keep" {
		t.Errorf("filtered stream delivered %v", msg)
	}
}
