// Package loop runs the cooperative main loop: it serves queued BLE requests,
// reacts to buttons, expires speech and keeps the display fresh.
package loop

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"stackchan/internal/buttons"
	"stackchan/internal/command"
	"stackchan/internal/dispatch"
)

type Target interface {
	Apply(origin dispatch.Origin, cmd command.Command) dispatch.Result
	Tick(now time.Time) bool
	Refresh()
	Announce(text string)
	Raw(text string)
	Degraded() bool
	Snapshot() dispatch.Status
}

type Poller interface {
	Poll() int
}

type ButtonSource interface {
	Drain() []buttons.Event
}

type Links interface {
	Toggle(ctx context.Context) error
	Describe() string
	// CheckHostLink runs on every heartbeat and must not block.
	CheckHostLink()
}

type Options struct {
	Interval          time.Duration
	RenderInterval    time.Duration
	HeartbeatInterval time.Duration

	Target  Target
	BLE     Poller
	Buttons ButtonSource
	Links   Links
	Logger  *slog.Logger
}

type Loop struct {
	opts Options

	lastRender    time.Time
	lastHeartbeat time.Time
	toggling      atomic.Bool
	toggleDone    chan struct{}
}

func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}
	if opts.RenderInterval <= 0 {
		opts.RenderInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{opts: opts}
}

// Run steps the loop every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.opts.Interval)
	defer t.Stop()

	l.opts.Logger.Info("main loop started", "interval", l.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			l.opts.Logger.Info("main loop stopped")
			return nil
		case now := <-t.C:
			l.Step(ctx, now)
		}
	}
}

// Step runs one iteration. Nothing in it blocks on I/O; a mode toggle runs
// in the background.
func (l *Loop) Step(ctx context.Context, now time.Time) {
	if l.opts.BLE != nil {
		if n := l.opts.BLE.Poll(); n > 0 {
			l.opts.Logger.Debug("ble requests served", "count", n)
		}
	}

	if l.opts.Buttons != nil {
		for _, ev := range l.opts.Buttons.Drain() {
			l.handleButton(ctx, ev)
		}
	}

	if l.opts.Target.Tick(now) {
		l.lastRender = now
	}
	if now.Sub(l.lastRender) >= l.opts.RenderInterval {
		l.opts.Target.Refresh()
		l.lastRender = now
	}

	if now.Sub(l.lastHeartbeat) >= l.opts.HeartbeatInterval {
		l.heartbeat()
		l.lastHeartbeat = now
	}
}

func (l *Loop) handleButton(ctx context.Context, ev buttons.Event) {
	l.opts.Logger.Info("button pressed", "button", ev.Button.String())
	degraded := l.opts.Target.Degraded()

	switch ev.Button {
	case buttons.A:
		if degraded {
			l.opts.Target.Raw("Button A")
			return
		}
		l.opts.Target.Apply(dispatch.OriginButton, command.Command{Kind: command.CycleExpression})
	case buttons.B:
		if degraded {
			l.opts.Target.Raw("Mode switch")
		}
		l.toggle(ctx)
	case buttons.C:
		text := "WiFi未接続"
		if l.opts.Links != nil {
			text = l.opts.Links.Describe()
		}
		if degraded {
			l.opts.Target.Raw(text)
			return
		}
		l.opts.Target.Announce(text)
	}
}

func (l *Loop) toggle(ctx context.Context) {
	if l.opts.Links == nil {
		return
	}
	if !l.toggling.CompareAndSwap(false, true) {
		l.opts.Logger.Debug("mode switch already in progress")
		return
	}
	done := make(chan struct{})
	l.toggleDone = done
	go func() {
		defer close(done)
		defer l.toggling.Store(false)
		if err := l.opts.Links.Toggle(ctx); err != nil {
			l.opts.Logger.Warn("mode switch failed", "error", err)
		}
	}()
}

func (l *Loop) heartbeat() {
	if l.opts.Links != nil {
		l.opts.Links.CheckHostLink()
	}
	st := l.opts.Target.Snapshot()
	avatar := "OK"
	if st.Degraded {
		avatar = "NG"
	}
	l.opts.Logger.Info("heartbeat",
		"avatar", avatar,
		"mode", st.Mode,
		"wifi", st.WiFiConnected,
		"ble_connected", st.BLEConnected,
		"free_kb", st.FreeHeap/1024,
		"uptime_s", st.Uptime,
	)
}
