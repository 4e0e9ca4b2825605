// Package dispatch owns the presentation state and applies commands to it.
//
// All transports call into a single Dispatcher. State changes happen under one
// mutex; the renderer is driven under that lock, while observers and the
// journal are notified after it is released.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"stackchan/internal/command"
	"stackchan/internal/presentation"
)

// ErrNotInitialized is returned for mutating commands while the renderer is unavailable.
var ErrNotInitialized = errors.New("avatar not initialized")

type Origin string

const (
	OriginHTTP   Origin = "http"
	OriginBLE    Origin = "ble"
	OriginMQTT   Origin = "mqtt"
	OriginButton Origin = "button"
	OriginSystem Origin = "system"
)

// Renderer draws the presentation state. Raw is the fallback display used
// when Init failed.
type Renderer interface {
	Init() error
	Render(presentation.State) error
	Raw(text string) error
}

// Link describes the active connectivity for status reports.
type Link struct {
	Mode          string
	WiFiConnected bool
	BLEEnabled    bool
	BLEConnected  bool
	IPAddress     string
}

type LinkReporter interface {
	Link() Link
}

type MemoryReporter interface {
	FreeMemory() uint64
}

// Observer is told about every state change. Calls happen outside the state lock.
type Observer interface {
	StatusChanged(Status)
}

// Entry is one applied or rejected command.
type Entry struct {
	At      time.Time
	Origin  Origin
	Command command.Command
	Err     error
	Message string
}

type Journal interface {
	Record(Entry)
}

type Options struct {
	DefaultMessage string
	SpeechTimeout  time.Duration
	Renderer       Renderer
	Links          LinkReporter
	Memory         MemoryReporter
	Journal        Journal
	Logger         *slog.Logger

	// Now and Pick are replaced in tests. Pick returns a value in [0,n).
	Now  func() time.Time
	Pick func(n int) int
}

type Dispatcher struct {
	mu         sync.Mutex
	state      presentation.State
	degraded   bool
	phrases    []string
	lastRotate time.Time

	defaultMessage string
	timeout        time.Duration
	started        time.Time

	renderer Renderer
	links    LinkReporter
	memory   MemoryReporter
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
	pick     func(n int) int

	obsMu     sync.RWMutex
	observers []Observer
}

func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SpeechTimeout <= 0 {
		opts.SpeechTimeout = 30 * time.Second
	}
	if opts.DefaultMessage == "" {
		opts.DefaultMessage = "スタックちゃん"
	}
	now := opts.Now()
	return &Dispatcher{
		state:          presentation.Boot(opts.DefaultMessage, now),
		lastRotate:     now,
		defaultMessage: opts.DefaultMessage,
		timeout:        opts.SpeechTimeout,
		started:        now,
		renderer:       opts.Renderer,
		links:          opts.Links,
		memory:         opts.Memory,
		journal:        opts.Journal,
		logger:         opts.Logger,
		now:            opts.Now,
		pick:           opts.Pick,
	}
}

// Init starts the renderer. On failure the dispatcher enters degraded mode:
// queries keep working, mutations are refused with ErrNotInitialized.
func (d *Dispatcher) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.renderer == nil {
		d.degraded = true
		return fmt.Errorf("init renderer: %w", ErrNotInitialized)
	}
	if err := d.renderer.Init(); err != nil {
		d.degraded = true
		return fmt.Errorf("init renderer: %w", err)
	}
	d.degraded = false
	d.renderLocked()
	return nil
}

func (d *Dispatcher) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Dispatcher) AddObserver(o Observer) {
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

// SetIdlePhrases replaces the phrases used once a user message expires.
// An empty list falls back to the default message.
func (d *Dispatcher) SetIdlePhrases(phrases []string) {
	cp := append([]string(nil), phrases...)
	d.mu.Lock()
	d.phrases = cp
	d.mu.Unlock()
	d.logger.Info("idle phrases updated", "count", len(cp))
}

// State returns a copy of the current presentation state.
func (d *Dispatcher) State() presentation.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Handle decodes req and applies the resulting command.
func (d *Dispatcher) Handle(origin Origin, req command.Request) Result {
	cmd, err := command.Decode(req)
	if err != nil {
		res := Result{Err: err, Message: err.Error()}
		if errors.Is(err, command.ErrUnknownRoute) {
			d.logger.Debug("unknown route", "origin", origin, "path", req.Path)
			return res
		}
		d.logger.Warn("command rejected", "origin", origin, "path", req.Path, "error", err)
		d.record(Entry{At: d.now(), Origin: origin, Command: command.Command{Kind: kindForPath(req.Path)}, Err: err, Message: res.Message})
		return res
	}
	return d.Apply(origin, cmd)
}

// Apply runs cmd against the state. It never panics and never returns an error
// outside the Result.
func (d *Dispatcher) Apply(origin Origin, cmd command.Command) Result {
	if !cmd.Mutates() {
		return Result{Command: cmd, Status: d.Snapshot()}
	}

	d.mu.Lock()
	if d.degraded {
		d.mu.Unlock()
		d.logger.Warn("command refused in degraded mode", "origin", origin, "command", cmd.String())
		res := Result{Command: cmd, Err: ErrNotInitialized, Message: "Avatar not initialized"}
		d.record(Entry{At: d.now(), Origin: origin, Command: cmd, Err: res.Err, Message: res.Message})
		return res
	}
	now := d.now()
	msg, err := d.applyLocked(cmd, now)
	if err == nil {
		d.renderLocked()
	}
	state, degraded := d.state, d.degraded
	d.mu.Unlock()

	res := Result{Command: cmd, Err: err, Message: msg}
	if err != nil {
		res.Message = err.Error()
		d.logger.Warn("command rejected", "origin", origin, "command", cmd.String(), "error", err)
	} else {
		d.logger.Info("command applied",
			"origin", origin,
			"command", cmd.String(),
			"message", state.Message,
			"expression", state.Expression.String(),
			"color_index", state.ColorIndex,
		)
	}
	res.Status = d.statusFrom(state, degraded)
	d.record(Entry{At: now, Origin: origin, Command: cmd, Err: err, Message: res.Message})
	if err == nil {
		d.notify(res.Status)
	}
	return res
}

func (d *Dispatcher) applyLocked(cmd command.Command, now time.Time) (string, error) {
	s := &d.state
	switch cmd.Kind {
	case command.CycleExpression:
		s.Expression = s.Expression.Next()
		d.setUserMessage(s.Expression.Label(), now)
		return "Expression changed to: " + s.Message, nil

	case command.SetExpression:
		e := presentation.Expression(cmd.Index)
		if !e.Valid() {
			return "", &command.ParamError{Message: "Invalid expression value (0-3)"}
		}
		s.Expression = e
		return "表情: " + e.Label(), nil

	case command.CycleColor:
		s.ColorIndex = (s.ColorIndex + 1) % presentation.PaletteCount
		d.setUserMessage(s.Palette().Name, now)
		return "Color changed to: " + s.Message, nil

	case command.SetColor:
		if !presentation.ValidColor(cmd.Index) {
			return "", &command.ParamError{Message: "Invalid color index (0-5)"}
		}
		s.ColorIndex = cmd.Index
		d.setUserMessage(s.Palette().Name, now)
		return "Color set to: " + s.Message, nil

	case command.SetSpeech:
		var ack string
		if cmd.HasExpression {
			e := presentation.Expression(cmd.Expression)
			if !e.Valid() {
				return "", &command.ParamError{Message: "Invalid expression value (0-3)"}
			}
			s.Expression = e
			ack = "表情: " + e.Label() + ", "
		}
		if cmd.Text == "" {
			s.Message = d.defaultMessage
			s.UserSet = false
			s.LastChange = now
			d.lastRotate = now
		} else {
			d.setUserMessage(cmd.Text, now)
		}
		return ack + fmt.Sprintf("セリフ: %q", cmd.Text), nil
	}
	return "", fmt.Errorf("%w: unsupported command %s", command.ErrUnknownRoute, cmd.Kind)
}

func (d *Dispatcher) setUserMessage(msg string, now time.Time) {
	d.state.Message = msg
	d.state.UserSet = true
	d.state.LastChange = now
}

// Tick advances the speech timers. It reports whether the state changed.
func (d *Dispatcher) Tick(now time.Time) bool {
	d.mu.Lock()
	changed := false
	switch {
	case d.state.Expired(now, d.timeout):
		d.state.Message = d.idlePhraseLocked("")
		d.state.UserSet = false
		d.state.LastChange = now
		d.lastRotate = now
		changed = true
		d.logger.Info("speech expired", "message", d.state.Message)

	case !d.state.UserSet && len(d.phrases) > 0 && now.Sub(d.lastRotate) >= d.timeout:
		d.lastRotate = now
		next := d.idlePhraseLocked(d.state.Message)
		if next != d.state.Message {
			d.state.Message = next
			d.state.LastChange = now
			changed = true
			d.logger.Debug("idle phrase rotated", "message", next)
		}
	}
	if changed && !d.degraded {
		d.renderLocked()
	}
	state, degraded := d.state, d.degraded
	d.mu.Unlock()

	if changed {
		d.notify(d.statusFrom(state, degraded))
	}
	return changed
}

// idlePhraseLocked picks a random idle phrase, avoiding current when there is a choice.
func (d *Dispatcher) idlePhraseLocked(current string) string {
	switch len(d.phrases) {
	case 0:
		return d.defaultMessage
	case 1:
		return d.phrases[0]
	}
	for range 3 {
		p := d.phrases[d.pick(len(d.phrases))]
		if p != current {
			return p
		}
	}
	for _, p := range d.phrases {
		if p != current {
			return p
		}
	}
	return current
}

// Announce shows a system message such as connectivity progress. It does not
// mark the message as user-set. In degraded mode the text goes to the raw display.
func (d *Dispatcher) Announce(text string) {
	d.mu.Lock()
	if d.degraded {
		d.mu.Unlock()
		if d.renderer != nil {
			if err := d.renderer.Raw(text); err != nil {
				d.logger.Warn("raw display failed", "error", err)
			}
		}
		return
	}
	now := d.now()
	d.state.Message = text
	d.state.UserSet = false
	d.state.LastChange = now
	d.lastRotate = now
	d.renderLocked()
	state := d.state
	d.mu.Unlock()

	d.logger.Info("announce", "message", text)
	d.notify(d.statusFrom(state, false))
}

// Raw writes text to the fallback display. Used by button handling in degraded mode.
func (d *Dispatcher) Raw(text string) {
	if d.renderer == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.renderer.Raw(text); err != nil {
		d.logger.Warn("raw display failed", "error", err)
	}
}

// Refresh redraws the current state.
func (d *Dispatcher) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded {
		return
	}
	d.renderLocked()
}

func (d *Dispatcher) renderLocked() {
	if d.renderer == nil {
		return
	}
	if err := d.renderer.Render(d.state); err != nil {
		d.logger.Warn("render failed", "error", err)
	}
}

// Snapshot returns the status report used by /api/status.
func (d *Dispatcher) Snapshot() Status {
	d.mu.Lock()
	state, degraded := d.state, d.degraded
	d.mu.Unlock()
	return d.statusFrom(state, degraded)
}

func (d *Dispatcher) statusFrom(s presentation.State, degraded bool) Status {
	st := Status{
		CurrentMessage: s.Message,
		Expression:     int(s.Expression),
		ColorIndex:     s.ColorIndex,
		UserSet:        s.UserSet,
		Degraded:       degraded,
		Uptime:         int64(d.now().Sub(d.started) / time.Second),
	}
	if d.links != nil {
		l := d.links.Link()
		st.Mode = l.Mode
		st.WiFiConnected = l.WiFiConnected
		st.BLEEnabled = l.BLEEnabled
		st.BLEConnected = l.BLEConnected
		st.IPAddress = l.IPAddress
	}
	if d.memory != nil {
		st.FreeHeap = d.memory.FreeMemory()
	}
	return st
}

func (d *Dispatcher) notify(st Status) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.StatusChanged(st)
	}
}

func (d *Dispatcher) record(e Entry) {
	if d.journal == nil {
		return
	}
	d.journal.Record(e)
}

func kindForPath(path string) command.Kind {
	switch path {
	case "/api/setcolor":
		return command.SetColor
	case "/api/set":
		return command.SetSpeech
	}
	return command.QueryStatus
}
