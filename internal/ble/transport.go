// Package ble carries the command vocabulary over a single GATT characteristic.
// A central writes one HTTP-style request line and receives the full response,
// status line and headers included, as a notification.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"stackchan/internal/command"
	"stackchan/internal/dispatch"
	"stackchan/internal/response"
)

// Radio is the GATT side of the transport. *Peripheral implements it.
type Radio interface {
	Start(onWrite func([]byte)) error
	Stop() error
	Notify(value []byte) error
}

type Handler interface {
	Handle(origin dispatch.Origin, req command.Request) dispatch.Result
}

// Transport queues writes from the radio goroutine and serves them from Poll,
// which the idle loop calls. The queue is bounded; writes beyond it are dropped.
type Transport struct {
	radio   Radio
	handler Handler
	queue   chan []byte

	mu      sync.Mutex
	running atomic.Bool
	dropped atomic.Uint64
}

func NewTransport(radio Radio, handler Handler, queueSize int) *Transport {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Transport{
		radio:   radio,
		handler: handler,
		queue:   make(chan []byte, queueSize),
	}
}

func (t *Transport) Name() string { return "ble" }

func (t *Transport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return nil
	}
	if err := t.radio.Start(t.HandleWrite); err != nil {
		return fmt.Errorf("ble start: %w", err)
	}
	t.running.Store(true)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.Load() {
		return nil
	}
	t.running.Store(false)
	for {
		select {
		case <-t.queue:
		default:
			return t.radio.Stop()
		}
	}
}

func (t *Transport) Running() bool { return t.running.Load() }

// Dropped reports how many writes were discarded because the queue was full.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// HandleWrite copies value into the queue. It never blocks.
func (t *Transport) HandleWrite(value []byte) {
	if len(value) == 0 || !t.running.Load() {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	select {
	case t.queue <- buf:
	default:
		n := t.dropped.Add(1)
		slog.Warn("ble: queue full, write dropped", "bytes", len(buf), "dropped_total", n)
	}
}

// Poll serves every queued write and returns how many got a response.
func (t *Transport) Poll() int {
	if !t.running.Load() {
		return 0
	}
	served := 0
	for {
		select {
		case payload := <-t.queue:
			if t.serve(payload) {
				served++
			}
		default:
			return served
		}
	}
}

func (t *Transport) serve(payload []byte) bool {
	wire, ok := t.Respond(payload)
	if !ok {
		return false
	}
	if err := t.radio.Notify(wire); err != nil {
		slog.Warn("ble: notify failed", "error", err, "bytes", len(wire))
		return false
	}
	return true
}

// Respond parses payload as a request line and returns the serialized response.
// It reports false for payloads that are not request lines; those get no reply.
func (t *Transport) Respond(payload []byte) ([]byte, bool) {
	req, err := command.ParseRequestLine(string(payload))
	if err != nil {
		if errors.Is(err, command.ErrMalformedRequest) {
			slog.Debug("ble: dropping malformed request", "bytes", len(payload))
		}
		return nil, false
	}
	slog.Debug("ble request", "path", req.Path)
	res := t.handler.Handle(dispatch.OriginBLE, req)
	return response.Build(res).Wire(), true
}
