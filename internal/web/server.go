package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"teleop-console/internal/events"
	"teleop-console/internal/gateway"
	"teleop-console/internal/live"
	"teleop-console/internal/metrics"
	"teleop-console/internal/recorder"
	"teleop-console/internal/script"
	"teleop-console/internal/statusbus"
	"teleop-console/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var pages = []string{
	"index.html", "nodes.html", "node_detail.html", "devices.html", "teleop_groups.html",
	"vrs.html", "data.html", "recordings.html", "cleanup.html", "scripts.html", "settings.html",
}

// StatusBus is the part of the status bus the web console needs.
type StatusBus interface {
	live.Subscriber
	State() statusbus.State
	IsConnected() bool
	Topics() []string
	Reconnect(ctx context.Context) error
}

// Setting is one read-only configuration entry shown on the settings page.
type Setting struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore enables the recordings, teaching data and cleanup screens.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithRecorder exposes in-progress collecting sessions.
func WithRecorder(r *recorder.Recorder) ServerOption {
	return func(s *Server) {
		s.recorder = r
	}
}

// WithScripts sets the console script engine. A nil engine disables scripts.
func WithScripts(e *script.Engine) ServerOption {
	return func(s *Server) {
		s.scripts = e
	}
}

// WithMetrics serves /metrics and counts WebSocket sessions.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithEvents forwards console events to every WebSocket client.
func WithEvents(b *events.Bus) ServerOption {
	return func(s *Server) {
		s.events = b
	}
}

// WithSettings sets the entries of the settings page. Secrets must already be masked.
func WithSettings(settings []Setting) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

// Server is the HTTP server for the console.
type Server struct {
	api            *gateway.Client
	bus            StatusBus
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	store          store.Store
	recorder       *recorder.Recorder
	scripts        *script.Engine
	metrics        *metrics.Metrics
	events         *events.Bus
	settings       []Setting
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the console server.
func NewServer(api *gateway.Client, bus StatusBus, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Parse each page template separately with layout to avoid {{define "content"}} conflicts.
	base, err := template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		api:       api,
		bus:       bus,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if s.events != nil {
		s.unsubEvents = s.events.OnAll(func(e events.Event) {
			s.wsHub.Broadcast(e)
		})
	}

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /nodes", s.handleNodesPage)
	s.mux.HandleFunc("GET /nodes/{id}", s.handleNodeDetailPage)
	s.mux.HandleFunc("GET /devices", s.handleDevicesPage)
	s.mux.HandleFunc("GET /teleop-groups", s.handleTeleopGroupsPage)
	s.mux.HandleFunc("GET /vrs", s.handleVRsPage)
	s.mux.HandleFunc("GET /data", s.handleDataPage)
	s.mux.HandleFunc("GET /recordings", s.handleRecordingsPage)
	s.mux.HandleFunc("GET /cleanup", s.handleCleanupPage)
	s.mux.HandleFunc("GET /scripts", s.handleScriptsPage)
	s.mux.HandleFunc("GET /settings", s.handleSettingsPage)

	// Nodes
	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("POST /api/nodes", s.handleAPIRegisterNode)
	s.mux.HandleFunc("GET /api/nodes/{id}/rpc", s.handleAPIListRPC)
	s.mux.HandleFunc("POST /api/nodes/{id}/rpc", s.handleAPICallRPC)
	s.mux.HandleFunc("GET /api/nodes/{id}/device-schema", s.handleAPIDeviceSchema)
	s.mux.HandleFunc("GET /api/nodes/{id}/teleop-schema", s.handleAPITeleopSchema)

	// Devices
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPICreateDevice)
	s.mux.HandleFunc("POST /api/devices/test", s.handleAPITestDevice)
	s.mux.HandleFunc("PUT /api/devices/{id}", s.handleAPIUpdateDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)

	// Teleop groups
	s.mux.HandleFunc("GET /api/teleop-groups", s.handleAPIListTeleopGroups)
	s.mux.HandleFunc("POST /api/teleop-groups", s.handleAPICreateTeleopGroup)
	s.mux.HandleFunc("PUT /api/teleop-groups/{id}", s.handleAPIUpdateTeleopGroup)
	s.mux.HandleFunc("DELETE /api/teleop-groups/{id}", s.handleAPIDeleteTeleopGroup)
	s.mux.HandleFunc("POST /api/teleop-groups/{id}/start", s.handleAPIStartTeleopGroup)
	s.mux.HandleFunc("POST /api/teleop-groups/{id}/stop", s.handleAPIStopTeleopGroup)

	// HDF5 browser
	s.mux.HandleFunc("GET /api/hdf5/folders", s.handleAPIHdf5Folders)
	s.mux.HandleFunc("GET /api/hdf5/files/{folder}", s.handleAPIHdf5Files)
	s.mux.HandleFunc("POST /api/hdf5/process", s.handleAPIHdf5Process)

	// VR headsets
	s.mux.HandleFunc("GET /api/vrs", s.handleAPIListVRs)
	s.mux.HandleFunc("POST /api/vrs", s.handleAPICreateVR)
	s.mux.HandleFunc("PUT /api/vrs/{uuid}", s.handleAPIUpdateVR)
	s.mux.HandleFunc("DELETE /api/vrs/{uuid}", s.handleAPIDeleteVR)

	// Local catalog
	s.mux.HandleFunc("GET /api/recordings", s.handleAPIListRecordings)
	s.mux.HandleFunc("POST /api/recordings", s.handleAPICreateRecording)
	s.mux.HandleFunc("GET /api/recordings/active", s.handleAPIActiveSessions)
	s.mux.HandleFunc("DELETE /api/recordings/{id}", s.handleAPIDeleteRecording)
	s.mux.HandleFunc("GET /api/cleanup", s.handleAPICleanupPreview)
	s.mux.HandleFunc("POST /api/cleanup", s.handleAPICleanupRun)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPISaveScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPISaveScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunScript)

	// Status bus
	s.mux.HandleFunc("GET /api/bus", s.handleAPIBusStatus)
	s.mux.HandleFunc("POST /api/bus/reconnect", s.handleAPIBusReconnect)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is key-protected: browsers cannot send custom headers on
		// page navigation or the WebSocket upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	if s.apiKey != "" {
		data["APIKey"] = s.apiKey
	}
	data["BusState"] = s.busStatus().State
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
