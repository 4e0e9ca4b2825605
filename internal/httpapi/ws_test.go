package httpapi

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stackchan/internal/command"
	"stackchan/internal/dispatch"
)

func TestHub_StreamsStatus(t *testing.T) {
	d := newDispatcher(t, nopRenderer{})
	hub := NewHub(d.Snapshot)
	d.AddObserver(hub)
	ts := newTestServer(t, Deps{Dispatcher: d, Hub: hub})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() dispatch.Status {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var st dispatch.Status
		if err := json.Unmarshal(msg, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return st
	}

	if first := read(); first.CurrentMessage != "スタックちゃん" {
		t.Errorf("greeting = %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d; want 1", hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.Apply(dispatch.OriginHTTP, command.Command{Kind: command.SetColor, Index: 4})
	if st := read(); st.ColorIndex != 4 {
		t.Errorf("broadcast color = %d; want 4", st.ColorIndex)
	}
	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded after hub closed")
	}
}
