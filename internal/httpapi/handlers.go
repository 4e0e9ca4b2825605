package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strconv"

	"stackchan/internal/command"
	"stackchan/internal/dispatch"
	"stackchan/internal/journal"
	"stackchan/internal/response"
	"stackchan/internal/utils"
)

// FrameSource provides the most recent avatar frame as PNG.
type FrameSource interface {
	PNG() ([]byte, error)
}

// HistoryLister lists journaled commands, newest first.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]journal.Record, error)
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type handlers struct {
	dispatcher *dispatch.Dispatcher
	db         *sql.DB
	frames     FrameSource
	history    HistoryLister
}

func writeResponse(w http.ResponseWriter, resp response.Response) {
	utils.WriteText(w, resp.Status, resp.ContentType, resp.Body)
}

// handleCommand serves every route of the command vocabulary. Query and form
// values are merged; the last value of a repeated key wins.
func (h *handlers) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utils.WriteText(w, http.StatusBadRequest, response.TextPlain, []byte("invalid form: "+err.Error()))
		return
	}
	res := h.dispatcher.Handle(dispatch.OriginHTTP, command.FromValues(r.URL.Path, r.Form))
	writeResponse(w, response.Build(res))
}

// handleHealthz stays 200 while the avatar is degraded; the robot still
// answers commands in that state. Only a failing journal database is unhealthy.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "avatar": "ok", "journal": "ok"}
	if h.dispatcher == nil {
		body["avatar"] = "absent"
	} else if h.dispatcher.Degraded() {
		body["avatar"] = "degraded"
	}

	if h.db == nil {
		body["journal"] = "disabled"
		utils.WriteJSON(w, http.StatusOK, body)
		return
	}
	if err := h.db.PingContext(r.Context()); err != nil {
		slog.Error("journal database unreachable", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "journal database unreachable")
		return
	}
	utils.WriteJSON(w, http.StatusOK, body)
}

func (h *handlers) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, response.NotFound())
}

func (h *handlers) handleFrame(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "no frame source")
		return
	}
	png, err := h.frames.PNG()
	if err != nil {
		slog.Error("frame encode failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to encode frame")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.WriteText(w, http.StatusOK, "image/png", png)
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	limit, err := parseHistoryLimit(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		slog.Error("history: list failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	utils.WriteJSON(w, http.StatusOK, records)
}

func parseHistoryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errInvalidLimit
	}
	if n < 1 || n > maxHistoryLimit {
		return 0, errInvalidLimit
	}
	return n, nil
}
