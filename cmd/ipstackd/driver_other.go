//go:build !linux

package main

import (
	"errors"
	"fmt"
	"log/slog"
)

func openLink(name string, _ bool, _ *slog.Logger) (linkDriver, error) {
	return nil, fmt.Errorf("raw access to %s: %w", name, errors.ErrUnsupported)
}
