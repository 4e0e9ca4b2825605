package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

var ErrNotAdvertising = errors.New("ble: peripheral not started")

type PeripheralConfig struct {
	// Adapter names the HCI adapter ("hci0"). Only honored by BlueZ.
	Adapter            string
	LocalName          string
	ServiceUUID        string
	CharacteristicUUID string

	// OnConnect is called from the adapter goroutine on connect and disconnect.
	OnConnect func(connected bool)
}

// gattStack is the slice of the bluetooth adapter the Peripheral drives.
type gattStack interface {
	Enable(onConnect func(address string, connected bool)) error
	AddService(svc *bluetooth.Service) error
	ConfigureAdvertising(opts bluetooth.AdvertisementOptions) error
	StartAdvertising() error
	StopAdvertising() error
}

type adapterStack struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
}

func (s *adapterStack) Enable(onConnect func(string, bool)) error {
	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		onConnect(device.Address.String(), connected)
	})
	return nil
}

func (s *adapterStack) AddService(svc *bluetooth.Service) error {
	return s.adapter.AddService(svc)
}

func (s *adapterStack) ConfigureAdvertising(opts bluetooth.AdvertisementOptions) error {
	if s.adv == nil {
		s.adv = s.adapter.DefaultAdvertisement()
	}
	return s.adv.Configure(opts)
}

func (s *adapterStack) StartAdvertising() error { return s.adv.Start() }

func (s *adapterStack) StopAdvertising() error { return s.adv.Stop() }

// Peripheral exposes a single read/write/notify characteristic over GATT.
// The bluetooth stack cannot remove a service once added, so Stop only stops
// advertising and writes received while stopped are ignored.
type Peripheral struct {
	cfg   PeripheralConfig
	stack gattStack

	mu            sync.Mutex
	char          bluetooth.Characteristic
	serviceUUID   bluetooth.UUID
	enabled       bool
	registered    bool
	advConfigured bool
	running       bool
	onWrite       func([]byte)
}

func NewPeripheral(cfg PeripheralConfig) *Peripheral {
	return newPeripheral(cfg, &adapterStack{adapter: adapterFor(cfg.Adapter)})
}

func newPeripheral(cfg PeripheralConfig, stack gattStack) *Peripheral {
	return &Peripheral{cfg: cfg, stack: stack}
}

// Start enables the adapter, registers the service on first use and begins
// advertising. onWrite receives every value written by a central. Each setup
// step is recorded once it succeeds, so a failed Start can be retried without
// adding the service twice.
func (p *Peripheral) Start(onWrite func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.onWrite = onWrite

	if err := p.register(); err != nil {
		return err
	}
	if !p.advConfigured {
		err := p.stack.ConfigureAdvertising(bluetooth.AdvertisementOptions{
			LocalName:    p.cfg.LocalName,
			ServiceUUIDs: []bluetooth.UUID{p.serviceUUID},
		})
		if err != nil {
			return fmt.Errorf("configure advertisement: %w", err)
		}
		p.advConfigured = true
	}

	if err := p.stack.StartAdvertising(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	p.running = true
	slog.Info("ble advertising", "name", p.cfg.LocalName, "service", p.cfg.ServiceUUID)
	return nil
}

func (p *Peripheral) register() error {
	if p.registered {
		return nil
	}
	serviceUUID, err := bluetooth.ParseUUID(p.cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid %q: %w", p.cfg.ServiceUUID, err)
	}
	charUUID, err := bluetooth.ParseUUID(p.cfg.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("parse characteristic uuid %q: %w", p.cfg.CharacteristicUUID, err)
	}

	if !p.enabled {
		err := p.stack.Enable(func(address string, connected bool) {
			slog.Info("ble connection changed", "address", address, "connected", connected)
			if p.cfg.OnConnect != nil {
				p.cfg.OnConnect(connected)
			}
		})
		if err != nil {
			return fmt.Errorf("enable adapter %s: %w", p.cfg.Adapter, err)
		}
		p.enabled = true
	}

	err = p.stack.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.char,
				UUID:   charUUID,
				Value:  []byte{},
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: p.handleWrite,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}
	p.serviceUUID = serviceUUID
	p.registered = true
	return nil
}

func (p *Peripheral) handleWrite(_ bluetooth.Connection, offset int, value []byte) {
	p.mu.Lock()
	fn, running := p.onWrite, p.running
	p.mu.Unlock()
	if !running || fn == nil {
		return
	}
	if offset != 0 {
		slog.Warn("ble: partial write ignored", "offset", offset, "bytes", len(value))
		return
	}
	fn(value)
}

func (p *Peripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	if err := p.stack.StopAdvertising(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	slog.Info("ble advertising stopped")
	return nil
}

// Notify sets the characteristic value and notifies the subscribed central.
func (p *Peripheral) Notify(value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotAdvertising
	}
	if _, err := p.char.Write(value); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
