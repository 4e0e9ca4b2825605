package ble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"stackchan/internal/command"
	"stackchan/internal/dispatch"
	"stackchan/internal/presentation"
	"stackchan/internal/response"
)

type fakeRadio struct {
	mu       sync.Mutex
	onWrite  func([]byte)
	notified [][]byte
	startErr error
	started  int
	stopped  int
}

func (r *fakeRadio) Start(onWrite func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.onWrite = onWrite
	r.started++
	return nil
}

func (r *fakeRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *fakeRadio) Notify(value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, append([]byte(nil), value...))
	return nil
}

// write simulates a central writing to the characteristic.
func (r *fakeRadio) write(s string) {
	r.mu.Lock()
	fn := r.onWrite
	r.mu.Unlock()
	fn([]byte(s))
}

func (r *fakeRadio) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notified) == 0 {
		t.Fatal("no notification sent")
	}
	return string(r.notified[len(r.notified)-1])
}

type nopRenderer struct{}

func (nopRenderer) Init() error                     { return nil }
func (nopRenderer) Render(presentation.State) error { return nil }
func (nopRenderer) Raw(string) error                { return nil }

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Options{
		Renderer: nopRenderer{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := d.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return d
}

func startedTransport(t *testing.T, queue int) (*Transport, *fakeRadio, *dispatch.Dispatcher) {
	t.Helper()
	radio := &fakeRadio{}
	d := newDispatcher(t)
	tr := NewTransport(radio, d, queue)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	return tr, radio, d
}

func TestPoll_SetColor(t *testing.T) {
	tr, radio, d := startedTransport(t, 8)

	radio.write("GET /api/setcolor?index=3 HTTP/1.1\r\n")
	if n := tr.Poll(); n != 1 {
		t.Fatalf("Poll() = %d; want 1", n)
	}

	got := radio.last(t)
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line = %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\nColor set to: 赤系") {
		t.Errorf("response = %q", got)
	}
	if !strings.Contains(got, "Content-Length: 20\r\n") {
		t.Errorf("missing content length in %q", got)
	}
	if d.State().ColorIndex != 3 {
		t.Errorf("ColorIndex = %d; want 3", d.State().ColorIndex)
	}
}

func TestPoll_MalformedDroppedSilently(t *testing.T) {
	tr, radio, d := startedTransport(t, 8)
	before := d.State()

	for _, payload := range []string{"hello", "POST /api/color HTTP/1.1", "GET api/color", "GET /api/set?speech=%zz"} {
		radio.write(payload)
	}
	if n := tr.Poll(); n != 0 {
		t.Errorf("Poll() = %d; want 0", n)
	}
	if len(radio.notified) != 0 {
		t.Errorf("notified %d times; want none", len(radio.notified))
	}
	if d.State() != before {
		t.Errorf("state changed: %+v -> %+v", before, d.State())
	}
}

func TestPoll_UnknownRoute404(t *testing.T) {
	tr, radio, _ := startedTransport(t, 8)

	radio.write("GET /nope")
	tr.Poll()

	got := radio.last(t)
	if !strings.HasPrefix(got, "HTTP/1.1 404 Not Found\r\n") || !strings.HasSuffix(got, response.NotFoundBody) {
		t.Errorf("response = %q", got)
	}
}

func TestPoll_InvalidParameter400(t *testing.T) {
	tr, radio, d := startedTransport(t, 8)

	radio.write("GET /api/set?expression=7")
	tr.Poll()

	got := radio.last(t)
	if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("response = %q", got)
	}
	if d.State().Expression != presentation.Neutral {
		t.Errorf("expression changed to %v", d.State().Expression)
	}
}

func TestHandleWrite_DropsWhenFull(t *testing.T) {
	tr, radio, _ := startedTransport(t, 2)

	for range 5 {
		radio.write("GET /api/color")
	}
	if got := tr.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d; want 3", got)
	}
	if n := tr.Poll(); n != 2 {
		t.Errorf("Poll() = %d; want 2", n)
	}
}

func TestHandleWrite_CopiesPayload(t *testing.T) {
	tr, radio, d := startedTransport(t, 4)

	buf := []byte("GET /api/setcolor?index=5")
	radio.mu.Lock()
	fn := radio.onWrite
	radio.mu.Unlock()
	fn(buf)
	copy(buf, "XXXXXXXXX")

	tr.Poll()
	if d.State().ColorIndex != 5 {
		t.Errorf("ColorIndex = %d; want 5", d.State().ColorIndex)
	}
}

func TestStop_IgnoresWritesAndDrainsQueue(t *testing.T) {
	tr, radio, d := startedTransport(t, 4)

	fn := radio.onWrite
	fn([]byte("GET /api/color"))
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	fn([]byte("GET /api/color"))

	if n := tr.Poll(); n != 0 {
		t.Errorf("Poll() after Stop = %d; want 0", n)
	}
	if d.State().ColorIndex != 0 {
		t.Errorf("ColorIndex = %d; want 0", d.State().ColorIndex)
	}
	if radio.stopped != 1 {
		t.Errorf("radio stopped %d times", radio.stopped)
	}
	if err := tr.Stop(context.Background()); err != nil || radio.stopped != 1 {
		t.Errorf("second Stop() = %v, stopped=%d", err, radio.stopped)
	}
}

func TestStart_RadioError(t *testing.T) {
	radio := &fakeRadio{startErr: errors.New("no adapter")}
	tr := NewTransport(radio, newDispatcher(t), 4)
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil; want error")
	}
	if tr.Running() {
		t.Error("Running() = true after failed Start")
	}
}

// The same command must leave the same state whether it arrives over BLE or HTTP.
func TestBLEMatchesHTTP(t *testing.T) {
	lines := []string{
		"GET /api/expression HTTP/1.1",
		"GET /api/setcolor?index=4 HTTP/1.1",
		"GET /api/color HTTP/1.1",
		"GET /api/setcolor?index=2 HTTP/1.1",
		"GET /api/set?expression=2&speech=%E3%82%84%E3%81%82 HTTP/1.1",
	}

	tr, radio, bleSide := startedTransport(t, 8)
	for _, line := range lines {
		radio.write(line)
	}
	tr.Poll()

	httpSide := newDispatcher(t)
	for _, line := range lines {
		target := strings.TrimSuffix(strings.TrimPrefix(line, "GET "), " HTTP/1.1")
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		httpSide.Handle(dispatch.OriginHTTP, command.FromValues(r.URL.Path, r.Form))
	}

	b, h := bleSide.State(), httpSide.State()
	if b.Message != h.Message || b.Expression != h.Expression || b.ColorIndex != h.ColorIndex || b.UserSet != h.UserSet {
		t.Errorf("ble state %+v != http state %+v", b, h)
	}
	if b.Message != "やあ" {
		t.Errorf("message = %q; want やあ", b.Message)
	}
	if b.ColorIndex != 2 {
		t.Errorf("color index = %d; want 2", b.ColorIndex)
	}
}
