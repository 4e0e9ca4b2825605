// Package connectivity switches the robot between its WiFi (HTTP) and BLE
// transports. Exactly one of them is active at a time.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"stackchan/internal/dispatch"
)

type Mode string

const (
	ModeNone Mode = ""
	ModeWiFi Mode = "wifi"
	ModeBLE  Mode = "ble"
)

func (m Mode) Label() string {
	switch m {
	case ModeWiFi:
		return "WiFi"
	case ModeBLE:
		return "BLE"
	}
	return "none"
}

var ErrTransportUnavailable = errors.New("transport unavailable")

type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Announcer interface {
	Announce(text string)
}

type Options struct {
	WiFi Transport
	BLE  Transport
	// BLEName is shown in announcements.
	BLEName   string
	Announcer Announcer
	HostIP    func() string
	Logger    *slog.Logger
}

type Manager struct {
	opts Options

	// opMu serializes Start, Toggle and Stop. Announcements are made while
	// holding it, never while holding mu, since the dispatcher reads Link.
	opMu sync.Mutex

	mu           sync.RWMutex
	mode         Mode
	ip           string
	bleConnected bool
	// hostLinkUp is false after CheckHostLink saw the host lose its address
	// in WiFi mode. The HTTP listener keeps running meanwhile.
	hostLinkUp bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HostIP == nil {
		opts.HostIP = func() string { return "" }
	}
	if opts.BLEName == "" {
		opts.BLEName = "StackChan"
	}
	return &Manager{opts: opts}
}

// SetTransports installs the transports when they are built after the
// manager. Call it before Start.
func (m *Manager) SetTransports(wifi, ble Transport) {
	m.opMu.Lock()
	m.opts.WiFi, m.opts.BLE = wifi, ble
	m.opMu.Unlock()
}

// Start brings up the transport for requested ("auto", "wifi" or "ble").
// WiFi failures fall back to BLE. The error wraps ErrTransportUnavailable
// when nothing could be started.
func (m *Manager) Start(ctx context.Context, requested string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch requested {
	case "ble":
		return m.startBLE(ctx)
	case "auto", "wifi":
		return m.startWiFiOrFallback(ctx)
	}
	return fmt.Errorf("unknown connection mode %q", requested)
}

// Toggle stops the active transport and starts the other one.
func (m *Manager) Toggle(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	from := m.Mode()
	if from == ModeBLE {
		m.announce("WiFiモードに切り替え中...")
	} else {
		m.announce("BLEペアリングモードに切り替え中...")
	}
	_ = m.stopActive(ctx)
	m.opts.Logger.Info("switching connection mode", "from", from.Label())

	if from == ModeBLE {
		return m.startWiFiOrFallback(ctx)
	}
	return m.startBLE(ctx)
}

func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopActive(ctx)
}

func (m *Manager) startWiFiOrFallback(ctx context.Context) error {
	wifiErr := m.startWiFi(ctx)
	if wifiErr == nil {
		return nil
	}
	m.opts.Logger.Warn("wifi transport unavailable, falling back to ble", "error", wifiErr)
	m.announce("WiFi接続失敗")
	if err := m.startBLE(ctx); err != nil {
		return errors.Join(wifiErr, err)
	}
	return nil
}

func (m *Manager) startWiFi(ctx context.Context) error {
	if m.opts.WiFi == nil {
		return fmt.Errorf("wifi: %w", ErrTransportUnavailable)
	}
	m.announce("WiFi接続中...")
	if err := m.opts.WiFi.Start(ctx); err != nil {
		return fmt.Errorf("wifi: %w: %w", ErrTransportUnavailable, err)
	}
	ip := m.opts.HostIP()

	m.mu.Lock()
	m.mode = ModeWiFi
	m.ip = ip
	m.hostLinkUp = true
	m.mu.Unlock()

	m.opts.Logger.Info("connection mode active", "mode", ModeWiFi.Label(), "ip", ip)
	m.announce("WiFi: " + ip)
	return nil
}

func (m *Manager) startBLE(ctx context.Context) error {
	if m.opts.BLE == nil {
		return fmt.Errorf("ble: %w", ErrTransportUnavailable)
	}
	m.announce("BLEペアリングモード初期化中...")
	if err := m.opts.BLE.Start(ctx); err != nil {
		m.opts.Logger.Warn("ble transport unavailable", "error", err)
		m.announce("BLE起動失敗")
		return fmt.Errorf("ble: %w: %w", ErrTransportUnavailable, err)
	}

	m.mu.Lock()
	m.mode = ModeBLE
	m.ip = ""
	m.bleConnected = false
	m.mu.Unlock()

	m.opts.Logger.Info("connection mode active", "mode", ModeBLE.Label(), "name", m.opts.BLEName)
	m.announce("BLE: " + m.opts.BLEName + " (ペアリング待機中)")
	return nil
}

func (m *Manager) stopActive(ctx context.Context) error {
	m.mu.Lock()
	mode := m.mode
	m.mode = ModeNone
	m.ip = ""
	m.bleConnected = false
	m.hostLinkUp = false
	m.mu.Unlock()

	var t Transport
	switch mode {
	case ModeWiFi:
		t = m.opts.WiFi
	case ModeBLE:
		t = m.opts.BLE
	default:
		return nil
	}
	if err := t.Stop(ctx); err != nil {
		m.opts.Logger.Warn("stop transport failed", "mode", mode.Label(), "error", err)
		return fmt.Errorf("stop %s: %w", mode, err)
	}
	return nil
}

// CheckHostLink re-reads the host address in WiFi mode. Losing it announces
// WiFi切断 and reports the link down; getting one back announces the new
// address. A host that never had a detectable address is left alone. The
// check is skipped while a mode switch is in progress.
func (m *Manager) CheckHostLink() {
	if !m.opMu.TryLock() {
		return
	}
	defer m.opMu.Unlock()

	if m.Mode() != ModeWiFi {
		return
	}
	ip := m.opts.HostIP()

	var text string
	m.mu.Lock()
	switch {
	case m.hostLinkUp && ip == "" && m.ip != "":
		m.hostLinkUp = false
		m.ip = ""
		text = "WiFi切断"
	case !m.hostLinkUp && ip != "":
		m.hostLinkUp = true
		m.ip = ip
		text = "WiFi: " + ip
	case m.hostLinkUp && ip != "" && ip != m.ip:
		m.ip = ip
	}
	m.mu.Unlock()

	if text == "" {
		return
	}
	if ip == "" {
		m.opts.Logger.Warn("host network link lost")
	} else {
		m.opts.Logger.Info("host network link restored", "ip", ip)
	}
	m.announce(text)
}

func (m *Manager) announce(text string) {
	if m.opts.Announcer != nil {
		m.opts.Announcer.Announce(text)
	}
}

func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetBLEConnected records a central connecting or leaving. Ignored outside BLE mode.
func (m *Manager) SetBLEConnected(connected bool) {
	m.mu.Lock()
	if m.mode == ModeBLE {
		m.bleConnected = connected
	}
	m.mu.Unlock()
}

// Link implements dispatch.LinkReporter.
func (m *Manager) Link() dispatch.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dispatch.Link{
		Mode:          m.mode.Label(),
		WiFiConnected: m.mode == ModeWiFi && m.hostLinkUp,
		BLEEnabled:    m.mode == ModeBLE,
		BLEConnected:  m.mode == ModeBLE && m.bleConnected,
		IPAddress:     m.ip,
	}
}

// Describe is the one-line link summary shown on request.
func (m *Manager) Describe() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.mode {
	case ModeBLE:
		if m.bleConnected {
			return "BLE: " + m.opts.BLEName + " (クライアント接続中)"
		}
		return "BLE: " + m.opts.BLEName + " (ペアリング待機中)"
	case ModeWiFi:
		if !m.hostLinkUp {
			return "WiFi切断"
		}
		return "WiFi: " + m.ip
	}
	return "WiFi未接続"
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(text string)

func (f AnnouncerFunc) Announce(text string) { f(text) }
