// Package buttons turns GPIO falling edges into debounced button presses.
package buttons

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type Button int

const (
	A Button = iota
	B
	C
)

func (b Button) String() string {
	switch b {
	case A:
		return "A"
	case B:
		return "B"
	case C:
		return "C"
	}
	return fmt.Sprintf("Button(%d)", int(b))
}

type Event struct {
	Button Button
	At     time.Time
}

const (
	DefaultDebounce = 200 * time.Millisecond
	edgeTimeout     = 250 * time.Millisecond
	eventBuffer     = 16
)

// Edger is the subset of gpio.PinIn the watcher needs.
type Edger interface {
	WaitForEdge(timeout time.Duration) bool
	Read() gpio.Level
}

// Watcher collects presses from up to three pins. Events are buffered and
// read without blocking through Drain.
type Watcher struct {
	pins     map[Button]Edger
	debounce time.Duration
	now      func() time.Time

	events chan Event
	wg     sync.WaitGroup
}

// Open configures the named pins as pulled-up inputs with falling-edge
// detection. Empty names are skipped; with no names it returns nil, nil.
func Open(a, b, c string) (*Watcher, error) {
	names := map[Button]string{A: a, B: b, C: c}
	pins := make(map[Button]Edger)
	hostReady := false
	for btn, name := range names {
		if name == "" {
			continue
		}
		if !hostReady {
			if _, err := host.Init(); err != nil {
				return nil, fmt.Errorf("periph host init: %w", err)
			}
			hostReady = true
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("button %s: unknown gpio %q", btn, name)
		}
		if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("button %s: configure %s: %w", btn, name, err)
		}
		pins[btn] = p
	}
	if len(pins) == 0 {
		return nil, nil
	}
	return NewWatcher(pins, DefaultDebounce), nil
}

func NewWatcher(pins map[Button]Edger, debounce time.Duration) *Watcher {
	return &Watcher{
		pins:     pins,
		debounce: debounce,
		now:      time.Now,
		events:   make(chan Event, eventBuffer),
	}
}

// Run watches every pin until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for btn, pin := range w.pins {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.watch(ctx, btn, pin)
		}()
	}
	w.wg.Wait()
}

func (w *Watcher) watch(ctx context.Context, btn Button, pin Edger) {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !pin.WaitForEdge(edgeTimeout) {
			continue
		}
		// Pulled up: a press reads Low.
		if pin.Read() != gpio.Low {
			continue
		}
		now := w.now()
		if !last.IsZero() && now.Sub(last) < w.debounce {
			continue
		}
		last = now
		select {
		case w.events <- Event{Button: btn, At: now}:
		default:
			slog.Warn("button event dropped", "button", btn.String())
		}
	}
}

// Drain returns all pending presses without blocking.
func (w *Watcher) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-w.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
