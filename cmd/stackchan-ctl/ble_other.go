//go:build !linux

package main

import (
	"context"
	"errors"
	"io"
)

func runBLE(context.Context, []string, io.Writer) error {
	return errors.New("ble mode needs a linux HCI adapter")
}
