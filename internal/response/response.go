// Package response turns dispatcher results into HTTP-shaped replies shared by
// the HTTP server and the BLE pseudo-HTTP transport.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"stackchan/internal/command"
	"stackchan/internal/dispatch"
	"stackchan/internal/views"
)

const (
	TextPlain = "text/plain; charset=utf-8"
	TextHTML  = "text/html; charset=utf-8"
	JSON      = "application/json; charset=utf-8"
)

// NotFoundBody is returned for routes outside the command vocabulary.
const NotFoundBody = "404 Not Found - Stack-chan WebUI"

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

func text(status int, body string) Response {
	return Response{Status: status, ContentType: TextPlain, Body: []byte(body)}
}

func NotFound() Response {
	return text(http.StatusNotFound, NotFoundBody)
}

// Build maps a result to status code, content type and body.
func Build(res dispatch.Result) Response {
	switch {
	case errors.Is(res.Err, command.ErrUnknownRoute):
		return NotFound()
	case errors.Is(res.Err, command.ErrInvalidParameter):
		return text(http.StatusBadRequest, res.Message)
	case errors.Is(res.Err, dispatch.ErrNotInitialized):
		return text(http.StatusInternalServerError, res.Message)
	case res.Err != nil:
		return text(http.StatusInternalServerError, res.Err.Error())
	}

	switch res.Command.Kind {
	case command.QueryStatus:
		body, err := json.Marshal(res.Status)
		if err != nil {
			slog.Error("failed to encode status", "error", err)
			return text(http.StatusInternalServerError, "failed to encode status")
		}
		return Response{Status: http.StatusOK, ContentType: JSON, Body: body}
	case command.ShowPage:
		var buf bytes.Buffer
		if err := views.RenderIndex(&buf, views.NewPageData(res.Status)); err != nil {
			slog.Error("page template render failed", "error", err)
			return text(http.StatusInternalServerError, "failed to render page")
		}
		return Response{Status: http.StatusOK, ContentType: TextHTML, Body: buf.Bytes()}
	}
	return text(http.StatusOK, res.Message)
}

// Wire renders r as a raw HTTP/1.1 response with permissive CORS headers, the
// form written into the BLE characteristic.
func (r Response) Wire() []byte {
	var b bytes.Buffer
	reason := http.StatusText(r.Status)
	if reason == "" {
		reason = "Unknown"
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, reason)
	b.WriteString("Content-Type: " + r.ContentType + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(r.Body)) + "\r\n")
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("Access-Control-Allow-Methods: GET, POST, OPTIONS\r\n")
	b.WriteString("Access-Control-Allow-Headers: Content-Type\r\n")
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}
