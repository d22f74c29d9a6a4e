package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"teleop-console/internal/events"
	"teleop-console/internal/gateway"
	"teleop-console/internal/metrics"
	"teleop-console/internal/model"
	"teleop-console/internal/recorder"
	"teleop-console/internal/statusbus"
	"teleop-console/internal/store"
	"teleop-console/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	API struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"api"`
	MQTT struct {
		URL                  string `yaml:"url"`
		Username             string `yaml:"username"`
		Password             string `yaml:"password"`
		ClientID             string `yaml:"client_id"`
		ReconnectPeriod      string `yaml:"reconnect_period"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Recorder struct {
		Operator string `yaml:"operator"`
		Refresh  string `yaml:"refresh"`
	} `yaml:"recorder"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir    string `yaml:"scripts_dir"`
	ScriptTimeout string `yaml:"script_timeout"`
}

// applyEnv overrides the endpoints from TELEOP_* variables.
func (c *Config) applyEnv(getenv func(string) string) {
	for name, dst := range map[string]*string{
		"TELEOP_API_URL":       &c.API.URL,
		"TELEOP_MQTT_URL":      &c.MQTT.URL,
		"TELEOP_MQTT_USERNAME": &c.MQTT.Username,
		"TELEOP_MQTT_PASSWORD": &c.MQTT.Password,
		"TELEOP_LISTEN":        &c.Web.Listen,
	} {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.url must be an http(s) URL, got %q", c.API.URL)
	}
	u, err = url.Parse(c.MQTT.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.url must be a broker URL, got %q", c.MQTT.URL)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "mqtt", "ssl", "tls", "mqtts":
	default:
		return fmt.Errorf("mqtt.url: unsupported scheme %q", u.Scheme)
	}
	if c.MQTT.MaxReconnectAttempts < 0 {
		return fmt.Errorf("mqtt.max_reconnect_attempts must not be negative")
	}
	return nil
}

// settings lists the effective configuration for the settings page. Secrets are masked.
func (c *Config) settings() []web.Setting {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	return []web.Setting{
		{Name: "api.url", Value: c.API.URL},
		{Name: "mqtt.url", Value: c.MQTT.URL},
		{Name: "mqtt.username", Value: c.MQTT.Username},
		{Name: "mqtt.password", Value: mask(c.MQTT.Password)},
		{Name: "web.listen", Value: c.Web.Listen},
		{Name: "web.api_key", Value: mask(c.Web.APIKey)},
		{Name: "store.path", Value: c.Store.Path},
		{Name: "scripts_dir", Value: c.ScriptsDir},
		{Name: "log.level", Value: c.Log.Level},
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("teleop-console starting", "version", version, "api", cfg.API.URL, "mqtt", cfg.MQTT.URL)

	m := metrics.New()
	evts := events.New(logger)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	apiOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithMetrics(m)}
	// Requests are bounded by the caller's context; api.timeout adds a hard cap.
	if cfg.API.Timeout != "" {
		apiOpts = append(apiOpts, gateway.WithHTTPClient(&http.Client{
			Timeout: parseDuration(cfg.API.Timeout, 30*time.Second, "api.timeout", logger),
		}))
	}
	api := gateway.New(cfg.API.URL, apiOpts...)

	bus := statusbus.New(statusbus.Config{
		URL:                  cfg.MQTT.URL,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		ClientID:             cfg.MQTT.ClientID,
		ReconnectPeriod:      parseDuration(cfg.MQTT.ReconnectPeriod, 5*time.Second, "mqtt.reconnect_period", logger),
		MaxReconnectAttempts: cfg.MQTT.MaxReconnectAttempts,
	}, logger, statusbus.WithMetrics(m))
	bus.OnStateChange(func(s statusbus.State) {
		evts.Emit(events.Event{Type: events.BusState, Data: s})
	})

	// The first connect may fail; the console still serves and shows the bus state.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := bus.Connect(ctx); err != nil {
			logger.Warn("status bus unavailable", "err", err)
		}
	}()

	rec := recorder.New(bus, db, logger,
		recorder.WithEvents(evts),
		recorder.WithOperator(cfg.Recorder.Operator),
	)
	runCtx, stopRecorder := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(runCtx, parseDuration(cfg.Recorder.Refresh, 30*time.Second, "recorder.refresh", logger),
			func(ctx context.Context) ([]model.TeleopGroup, error) {
				return api.ListTeleopGroups(ctx, model.TeleopGroupFilter{})
			})
	}()

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithStore(db),
		web.WithRecorder(rec),
		web.WithMetrics(m),
		web.WithEvents(evts),
		web.WithSettings(cfg.settings()),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	// Console scripts (no-op when built with no_scripts tag).
	webOpts = append(webOpts, initScripts(api, cfg, logger)...)

	webServer, err := web.NewServer(api, bus, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopRecorder()
	<-recDone
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	rec.Close()
	bus.Disconnect()

	logger.Info("goodbye")
}

// loadConfig reads path and fills defaults. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.API.URL == "" {
		cfg.API.URL = "http://localhost:8000"
	}
	if cfg.MQTT.URL == "" {
		cfg.MQTT.URL = "ws://localhost:8083/mqtt"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "teleop-console.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDuration parses raw, falling back to def when it is empty or invalid.
func parseDuration(raw string, def time.Duration, field string, logger *slog.Logger) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration, using default", "field", field, "value", raw, "default", def)
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
