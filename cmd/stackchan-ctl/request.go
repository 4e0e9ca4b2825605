package main

import (
	"errors"
	"strings"

	"stackchan/internal/command"
)

var errNoTarget = errors.New("missing request path")

// requestLine turns a path such as "/api/setcolor?index=2" into the line the
// robot expects, validating it the same way the robot will.
func requestLine(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errNoTarget
	}
	line := "GET " + target + " HTTP/1.1"
	if _, err := command.ParseRequestLine(line); err != nil {
		return "", err
	}
	return line, nil
}
