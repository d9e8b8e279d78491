package audiohook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callpulse/callpulse/internal/clock"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (f *fakeSink) Post(_ context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) all() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.payloads...)
}

type testConn struct {
	*Connection
	clk    *clock.Fake
	audio  *fakeSink
	events *fakeSink
	sent   [][]byte
	closed []websocket.StatusCode
}

func newTestConn(t *testing.T, rawQuery string) *testConn {
	t.Helper()
	tc := &testConn{
		clk:    clock.NewFake(time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)),
		audio:  &fakeSink{},
		events: &fakeSink{},
	}
	cfg := Config{
		Path:              "/audiohook/ws",
		SampleRateDefault: 8000,
		ChannelsDefault:   1,
		FlushInterval:     time.Second,
		MinChunkDuration:  400 * time.Millisecond,
		MaxChunkDuration:  3 * time.Second,
	}
	tc.Connection = newConnection("conn-1", rawQuery, cfg, slog.New(slog.DiscardHandler), tc.clk,
		nil, &Stats{}, tc.audio, tc.events,
		func(_ context.Context, frame []byte) error {
			tc.sent = append(tc.sent, frame)
			return nil
		},
		func(code websocket.StatusCode, _ string) error {
			tc.closed = append(tc.closed, code)
			return nil
		})
	return tc
}

func sendCommand(t *testing.T, tc *testConn, command map[string]any) {
	t.Helper()
	frame, err := EncodeCommand(command)
	if err != nil {
		t.Fatal(err)
	}
	tc.HandleBinary(context.Background(), frame)
}

func lastReply(t *testing.T, tc *testConn) map[string]any {
	t.Helper()
	if len(tc.sent) == 0 {
		t.Fatal("no reply sent")
	}
	packets := DecodePackets(tc.sent[len(tc.sent)-1])
	if len(packets) != 1 || packets[0].Type != PacketCommand {
		t.Fatalf("reply frame malformed: %d packets", len(packets))
	}
	var reply map[string]any
	if err := json.Unmarshal(packets[0].Payload, &reply); err != nil {
		t.Fatalf("reply json: %v", err)
	}
	return reply
}

func openConn(t *testing.T, tc *testConn, format string) {
	t.Helper()
	sendCommand(t, tc, map[string]any{
		"version": "2", "type": "open", "id": "open-1", "seq": 1,
		"parameters": map[string]any{"conversationId": "conv-1"},
		"media":      map[string]any{"format": format, "rate": 8000, "channels": []any{"mono"}},
	})
}

// ─── command exchange ───

func TestOpen_RepliesOpenedWithNegotiatedMedia(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")

	reply := lastReply(t, tc)
	if reply["type"] != "opened" || reply["id"] != "open-1" {
		t.Errorf("reply = %v", reply)
	}
	params := reply["parameters"].(map[string]any)
	if params["conversationId"] != "conv-1" {
		t.Errorf("conversationId = %v", params["conversationId"])
	}
	media := reply["media"].(map[string]any)
	if media["format"] != "PCMU" || media["rate"] != float64(8000) {
		t.Errorf("media = %v", media)
	}
}

func TestOpen_CallIDFromQueryFallback(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "conversationId=query-call")
	sendCommand(t, tc, map[string]any{"type": "open", "id": "o", "seq": 1})

	reply := lastReply(t, tc)
	params := reply["parameters"].(map[string]any)
	if params["conversationId"] != "query-call" {
		t.Errorf("conversationId = %v, want query-call", params["conversationId"])
	}
}

func TestPing_RepliesPong(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	sendCommand(t, tc, map[string]any{"type": "ping", "id": "p-1", "seq": 4})

	reply := lastReply(t, tc)
	if reply["type"] != "pong" || reply["id"] != "p-1" || reply["seq"] != float64(4) {
		t.Errorf("reply = %v", reply)
	}
}

// ─── audio path ───

func TestAudio_ULawRoundTrip(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")

	ulaw := make([]byte, 8000) // 1 s at 8 kHz
	frame, err := EncodePacket(PacketAudio, ulaw)
	if err != nil {
		t.Fatal(err)
	}
	tc.HandleBinary(context.Background(), frame)

	chunks := tc.audio.all()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	c := chunks[0]
	if c["audio_encoding"] != "pcm_s16le" || c["sample_rate"] != float64(8000) || c["channels"] != float64(1) {
		t.Errorf("chunk format = %v/%v/%v", c["audio_encoding"], c["sample_rate"], c["channels"])
	}
	pcm, err := base64.StdEncoding.DecodeString(c["audio_b64"].(string))
	if err != nil {
		t.Fatalf("audio_b64: %v", err)
	}
	if len(pcm) != 16000 {
		t.Errorf("pcm bytes = %d, want 16000", len(pcm))
	}
	if c["call_id"] != "conv-1" {
		t.Errorf("call_id = %v", c["call_id"])
	}
}

func TestAudio_BeforeOpenIsDiscarded(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	frame, _ := EncodePacket(PacketAudio, make([]byte, 8000))
	tc.HandleBinary(context.Background(), frame)

	if len(tc.audio.all()) != 0 {
		t.Error("audio before open must be dropped")
	}
}

func TestAudio_BelowMinWaitsForInterval(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")

	// 1600 bytes decode to 3200 PCM bytes, under the 6400-byte minimum.
	frame, _ := EncodePacket(PacketAudio, make([]byte, 1600))
	tc.HandleBinary(context.Background(), frame)
	if got := len(tc.audio.all()); got != 0 {
		t.Fatalf("premature flush: %d chunks", got)
	}

	// Past the flush interval the same buffer goes out.
	tc.clk.Advance(1200 * time.Millisecond)
	tc.FlushTick(context.Background())
	if got := len(tc.audio.all()); got != 1 {
		t.Fatalf("chunks after interval = %d, want 1", got)
	}
}

func TestAudio_HeaderMediaOverridesPersist(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")

	payload := append([]byte("media: {\"format\":\"PCM_S16LE\",\"rate\":16000}\r\n\r\n"), make([]byte, 32000)...)
	frame, _ := EncodePacket(PacketAudio, payload)
	tc.HandleBinary(context.Background(), frame)

	chunks := tc.audio.all()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0]["sample_rate"] != float64(16000) {
		t.Errorf("sample_rate = %v, want 16000 from header override", chunks[0]["sample_rate"])
	}
	meta := chunks[0]["metadata"].(map[string]any)
	if meta["media_format"] != "PCM_S16LE" {
		t.Errorf("media_format = %v", meta["media_format"])
	}
}

// ─── teardown ───

func TestClose_FlushesAndEmitsCallEndOnce(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")

	// Leave audio below the flush threshold so only teardown can emit it.
	frame, _ := EncodePacket(PacketAudio, make([]byte, 800))
	tc.HandleBinary(context.Background(), frame)

	sendCommand(t, tc, map[string]any{"type": "close", "id": "cl-1", "seq": 9})

	if got := len(tc.audio.all()); got != 1 {
		t.Errorf("flushed chunks = %d, want 1", got)
	}
	events := tc.events.all()
	if len(events) != 1 || events[0]["event_type"] != "call_end" {
		t.Fatalf("events = %v, want one call_end", events)
	}
	if events[0]["status"] != "ended" {
		t.Errorf("status = %v, want ended", events[0]["status"])
	}
	if reply := lastReply(t, tc); reply["type"] != "closed" {
		t.Errorf("reply = %v, want closed", reply)
	}
	if len(tc.closed) != 1 || tc.closed[0] != websocket.StatusNormalClosure {
		t.Errorf("close codes = %v, want one 1000", tc.closed)
	}

	// A later socket teardown must not emit a second call_end.
	tc.Teardown(context.Background(), "socket_closed")
	if got := len(tc.events.all()); got != 1 {
		t.Errorf("events after second teardown = %d, want 1", got)
	}
}

func TestDisconnect_ClosesWith1011(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")
	sendCommand(t, tc, map[string]any{"type": "disconnect"})

	if len(tc.closed) != 1 || tc.closed[0] != websocket.StatusInternalError {
		t.Errorf("close codes = %v, want one 1011", tc.closed)
	}
	events := tc.events.all()
	if len(events) != 1 || events[0]["event_type"] != "call_end" {
		t.Errorf("events = %v", events)
	}
}

func TestEventCommand_ForwardsText(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	openConn(t, tc, "PCMU")
	sendCommand(t, tc, map[string]any{
		"type":      "event",
		"eventType": "Transcript",
		"parameters": map[string]any{
			"events": []any{map[string]any{"text": "hello there"}},
		},
	})

	events := tc.events.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0]["event_type"] != "transcript" || events[0]["text"] != "hello there" {
		t.Errorf("event = %v", events[0])
	}
	if events[0]["call_id"] != "conv-1" {
		t.Errorf("call_id = %v", events[0]["call_id"])
	}
}

// ─── flush locking ───

// gateSink signals when a POST starts and holds it until released.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateSink) Post(context.Context, any) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestFlush_SlowSinkDoesNotStallCommands(t *testing.T) {
	t.Parallel()

	tc := newTestConn(t, "")
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	tc.Connection.audioSink = gate
	openConn(t, tc, "PCMU")

	frame, _ := EncodePacket(PacketAudio, make([]byte, 800))
	tc.HandleBinary(context.Background(), frame)

	ping, err := EncodeCommand(map[string]any{"type": "ping", "id": "p-1", "seq": 2})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		tc.Flush(context.Background(), true, "teardown")
		close(done)
	}()
	<-gate.entered

	// The connection mutex must be free while the sink POST is in flight.
	replied := make(chan struct{})
	go func() {
		tc.HandleBinary(context.Background(), ping)
		close(replied)
	}()
	select {
	case <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("command handling blocked behind an in-flight sink POST")
	}

	close(gate.release)
	<-done
	if reply := lastReply(t, tc); reply["type"] != "pong" {
		t.Errorf("reply = %v", reply)
	}
}

// ─── http probe ───

func TestServer_HealthProbeAndNotFound(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{
		Path: "/audiohook/ws", SampleRateDefault: 8000, ChannelsDefault: 1,
		FlushInterval: time.Second, MinChunkDuration: 400 * time.Millisecond, MaxChunkDuration: 3 * time.Second,
	}, slog.New(slog.DiscardHandler), nil, nil, nil, &fakeSink{}, &fakeSink{})

	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/audiohook/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var probe struct {
		OK      bool   `json:"ok"`
		Service string `json:"service"`
		Path    string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		t.Fatal(err)
	}
	if !probe.OK || probe.Service != "genesys_audiohook_listener" || probe.Path != "/audiohook/ws" {
		t.Errorf("probe = %+v", probe)
	}

	resp2, err := http.Get(srv.URL + "/other")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp2.StatusCode)
	}
	body := make([]byte, 128)
	n, _ := resp2.Body.Read(body)
	if !strings.Contains(string(body[:n]), "Not found") {
		t.Errorf("404 body = %q", body[:n])
	}
}
