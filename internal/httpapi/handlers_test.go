package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"stackchan/internal/dispatch"
	"stackchan/internal/journal"
	"stackchan/internal/presentation"
	"stackchan/internal/views"
)

type nopRenderer struct{ initErr error }

func (r nopRenderer) Init() error                     { return r.initErr }
func (nopRenderer) Render(presentation.State) error { return nil }
func (nopRenderer) Raw(string) error                { return nil }

type fakeFrames struct {
	png []byte
	err error
}

func (f fakeFrames) PNG() ([]byte, error) { return f.png, f.err }

type fakeHistory struct {
	records []journal.Record
	err     error
	limit   int
}

func (f *fakeHistory) ListRecent(_ context.Context, limit int) ([]journal.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func newDispatcher(t *testing.T, r dispatch.Renderer) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Options{
		Renderer: r,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_ = d.Init()
	return d
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if err := views.LoadTemplates(); err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = newDispatcher(t, nopRenderer{})
	}
	srv := NewServer(":0", NewMux(deps))
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func mustGetJSON[T any](t *testing.T, client *http.Client, url string, out *T) *http.Response {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func mustGetText(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func TestHealthz(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ts := newTestServer(t, Deps{DB: db})

	var body map[string]string
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Fatalf("body.status=%q want=%q", body["status"], "ok")
	}
}

func TestHealthz_NoDatabase(t *testing.T) {
	ts := newTestServer(t, Deps{})

	var body map[string]string
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK || body["journal"] != "disabled" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestHealthz_Avatar(t *testing.T) {
	tests := []struct {
		name     string
		renderer dispatch.Renderer
		want     string
	}{
		{name: "ready", renderer: nopRenderer{}, want: "ok"},
		{name: "degraded", renderer: nopRenderer{initErr: errors.New("no display")}, want: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Deps{Dispatcher: newDispatcher(t, tt.renderer)})

			var body map[string]string
			resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
			}
			if body["avatar"] != tt.want {
				t.Errorf("body.avatar=%q want=%q", body["avatar"], tt.want)
			}
		})
	}
}

func TestHealthz_ClosedDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_ = db.Close()
	ts := newTestServer(t, Deps{DB: db})

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status=%d want=%d", resp.StatusCode, http.StatusInternalServerError)
	}
}

func TestCommandRoutes(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{name: "cycle expression", path: "/api/expression", wantCode: http.StatusOK, wantBody: "Expression changed to: 嬉しい"},
		{name: "cycle color", path: "/api/color", wantCode: http.StatusOK, wantBody: "Color changed to: 青系"},
		{name: "set color", path: "/api/setcolor?index=3", wantCode: http.StatusOK, wantBody: "Color set to: 赤系"},
		{name: "set color missing index", path: "/api/setcolor", wantCode: http.StatusBadRequest, wantBody: "Missing index parameter"},
		{name: "set color out of range", path: "/api/setcolor?index=6", wantCode: http.StatusBadRequest, wantBody: "Invalid color index (0-5)"},
		{name: "set expression", path: "/api/set?expression=2", wantCode: http.StatusOK, wantBody: "表情: 眠い"},
		{name: "set expression out of range", path: "/api/set?expression=5", wantCode: http.StatusBadRequest, wantBody: "Invalid expression value (0-3)"},
		{name: "set without params", path: "/api/set", wantCode: http.StatusBadRequest, wantBody: "パラメータが指定されていません"},
		{name: "unknown api route", path: "/api/dance", wantCode: http.StatusNotFound, wantBody: "404 Not Found - Stack-chan WebUI"},
		{name: "unknown top-level route", path: "/favicon.ico", wantCode: http.StatusNotFound, wantBody: "404 Not Found - Stack-chan WebUI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Deps{})
			resp, body := mustGetText(t, ts.Client(), ts.URL+tt.path)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d; want %d", resp.StatusCode, tt.wantCode)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q; want %q", body, tt.wantBody)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q; want text/plain", ct)
			}
		})
	}
}

func TestSetSpeech_PostForm(t *testing.T) {
	d := newDispatcher(t, nopRenderer{})
	ts := newTestServer(t, Deps{Dispatcher: d})

	resp, err := ts.Client().PostForm(ts.URL+"/api/set", url.Values{"speech": {"こんにちは"}, "expression": {"1"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var st dispatch.Status
	mustGetJSON(t, ts.Client(), ts.URL+"/api/status", &st)
	if st.CurrentMessage != "こんにちは" || st.Expression != 1 || !st.UserSet {
		t.Errorf("status = %+v", st)
	}
}

// setcolor is GET-only; other methods fall through to the not-found page.
func TestSetColor_PostIsNotFound(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, err := ts.Client().Post(ts.URL+"/api/setcolor?index=1", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d; want 404", resp.StatusCode)
	}
}

func TestStatus_JSONShape(t *testing.T) {
	ts := newTestServer(t, Deps{})

	var body map[string]any
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/api/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, key := range []string{"mode", "wifi_connected", "ble_enabled", "ble_connected", "ip_address",
		"current_message", "expression", "color_index", "free_heap", "uptime"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, Deps{})

	for _, path := range []string{"/", "/index.html"} {
		resp, body := mustGetText(t, ts.Client(), ts.URL+path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("GET %s Content-Type = %q", path, ct)
		}
		if !strings.Contains(body, "スタックちゃん") {
			t.Errorf("GET %s page missing title", path)
		}
	}
}

func TestDegradedMode_Returns500(t *testing.T) {
	d := newDispatcher(t, nopRenderer{initErr: errors.New("no display")})
	ts := newTestServer(t, Deps{Dispatcher: d})

	resp, body := mustGetText(t, ts.Client(), ts.URL+"/api/color")
	if resp.StatusCode != http.StatusInternalServerError || body != "Avatar not initialized" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}

	var st dispatch.Status
	mustGetJSON(t, ts.Client(), ts.URL+"/api/status", &st)
	if !st.Degraded {
		t.Error("status.degraded = false")
	}
}

func TestFrame(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	ts := newTestServer(t, Deps{Frames: fakeFrames{png: png}})

	resp, body := mustGetText(t, ts.Client(), ts.URL+"/api/frame.png")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("got %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if body != string(png) {
		t.Errorf("body = %q", body)
	}

	ts = newTestServer(t, Deps{Frames: fakeFrames{err: errors.New("boom")}})
	resp, _ = mustGetText(t, ts.Client(), ts.URL+"/api/frame.png")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{records: []journal.Record{{ID: 2, Kind: "set_color", OK: true}, {ID: 1, Kind: "cycle_color", OK: true}}}
	ts := newTestServer(t, Deps{History: hist})

	var got []journal.Record
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/api/history?limit=5", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if hist.limit != 5 {
		t.Errorf("limit passed = %d; want 5", hist.limit)
	}
	if len(got) != 2 || got[0].ID != 2 {
		t.Errorf("records = %+v", got)
	}

	for _, bad := range []string{"0", "-1", "x", "1000"} {
		resp, _ := mustGetText(t, ts.Client(), ts.URL+"/api/history?limit="+bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d; want 400", bad, resp.StatusCode)
		}
	}
}

func TestHistory_Disabled(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, _ := mustGetText(t, ts.Client(), ts.URL+"/api/history")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503", resp.StatusCode)
	}
}
