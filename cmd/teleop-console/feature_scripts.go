//go:build !no_scripts

package main

import (
	"log/slog"

	"teleop-console/internal/gateway"
	"teleop-console/internal/script"
	"teleop-console/internal/web"
)

func initScripts(api *gateway.Client, cfg *Config, logger *slog.Logger) []web.ServerOption {
	mgr, err := script.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return nil
	}
	timeout := parseDuration(cfg.ScriptTimeout, script.DefaultTimeout, "script_timeout", logger)
	engine := script.NewEngine(api, mgr, logger, timeout)
	return []web.ServerOption{web.WithScripts(engine)}
}
