//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func runBLE(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ble", flag.ContinueOnError)
	name := fs.String("name", "StackChan", "advertised local name")
	adapter := fs.String("adapter", "hci0", "HCI adapter")
	service := fs.String("service", "12345678-1234-1234-1234-123456789ABC", "service UUID")
	characteristic := fs.String("char", "87654321-4321-4321-4321-CBA987654321", "characteristic UUID")
	timeout := fs.Duration("timeout", 15*time.Second, "scan and response timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	line, err := requestLine(fs.Arg(0))
	if err != nil {
		return err
	}

	id, err := hciIndex(*adapter)
	if err != nil {
		return err
	}
	svcUUID, err := ble.Parse(*service)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	charUUID, err := ble.Parse(*characteristic)
	if err != nil {
		return fmt.Errorf("characteristic uuid: %w", err)
	}

	device, err := linux.NewDevice(ble.OptDeviceID(id))
	if err != nil {
		return fmt.Errorf("open %s: %w", *adapter, err)
	}
	defer device.Stop()
	ble.SetDefaultDevice(device)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	slog.Info("connecting", "name", *name)
	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return a.Connectable() && a.LocalName() == *name
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.CancelConnection()

	p, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discover profile: %w", err)
	}
	if p.FindService(ble.NewService(svcUUID)) == nil {
		return fmt.Errorf("service %s not found", svcUUID)
	}
	c := p.FindCharacteristic(ble.NewCharacteristic(charUUID))
	if c == nil {
		return fmt.Errorf("characteristic %s not found", charUUID)
	}

	got := make(chan []byte, 1)
	err = client.Subscribe(c, false, func(b []byte) {
		select {
		case got <- append([]byte(nil), b...):
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := client.WriteCharacteristic(c, []byte(line), false); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	select {
	case b := <-got:
		fmt.Fprintln(out, string(b))
		return nil
	case <-client.Disconnected():
		return fmt.Errorf("disconnected before response")
	case <-ctx.Done():
		return fmt.Errorf("no response: %w", ctx.Err())
	}
}

// hciIndex maps "hci0" (or "0") to 0.
func hciIndex(adapter string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(adapter, "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid adapter %q", adapter)
	}
	return n, nil
}
