//go:build no_scripts

package main

import (
	"log/slog"

	"teleop-console/internal/gateway"
	"teleop-console/internal/web"
)

func initScripts(_ *gateway.Client, _ *Config, _ *slog.Logger) []web.ServerOption {
	return nil
}
