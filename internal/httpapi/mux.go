package httpapi

import (
	"database/sql"
	"net/http"

	"stackchan/internal/dispatch"
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	DB         *sql.DB
	Frames     FrameSource
	History    HistoryLister
	Hub        *Hub
}

func NewMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	h := &handlers{dispatcher: deps.Dispatcher, db: deps.DB, frames: deps.Frames, history: deps.History}

	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("GET /{$}", h.handleCommand)
	mux.HandleFunc("GET /index.html", h.handleCommand)
	for _, path := range []string{"/api/expression", "/api/color", "/api/set"} {
		mux.HandleFunc("GET "+path, h.handleCommand)
		mux.HandleFunc("POST "+path, h.handleCommand)
	}
	mux.HandleFunc("GET /api/setcolor", h.handleCommand)
	mux.HandleFunc("GET /api/status", h.handleCommand)

	mux.HandleFunc("GET /api/frame.png", h.handleFrame)
	mux.HandleFunc("GET /api/history", h.handleHistory)
	if deps.Hub != nil {
		mux.Handle("GET /ws", deps.Hub)
	}

	mux.HandleFunc("/", h.handleNotFound)
	return mux
}
