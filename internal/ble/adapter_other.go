//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

func adapterFor(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
