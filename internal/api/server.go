package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/lenscast/internal/config"
	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/output"
	"github.com/bryanchriswhite/lenscast/internal/stream"
)

// Version is reported by the health endpoint
var Version = "0.1.0"

// maxFrameUpload bounds POST /api/streams/{id}/frame bodies
const maxFrameUpload = output.DefaultMaxFrameSize

// StreamController is the subset of stream.Manager the API drives
type StreamController interface {
	Statuses() []stream.Status
	Status(id string) (stream.Status, error)
	StartStream(id string) error
	StopStream(id string) error
	SubmitFrame(id string, jpeg []byte) error
}

// Server represents the HTTP control API server
type Server struct {
	router         *mux.Router
	streams        StreamController
	configMgr      *config.Manager
	upgrader       websocket.Upgrader
	eventsInterval time.Duration
	log            *zerolog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a new API server
func NewServer(streams StreamController, configMgr *config.Manager) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		streams:        streams,
		configMgr:      configMgr,
		eventsInterval: time.Second,
		log:            logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins, the API is CORS-open as well
			},
		},
	}

	if configMgr != nil {
		if iv := configMgr.Get().API.EventsInterval; iv > 0 {
			s.eventsInterval = iv
		}
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Streams
	api.HandleFunc("/streams", s.handleListStreams).Methods("GET")
	api.HandleFunc("/streams/events", s.handleStreamEvents)
	api.HandleFunc("/streams/{id}", s.handleGetStream).Methods("GET")
	api.HandleFunc("/streams/{id}/start", s.handleStartStream).Methods("POST")
	api.HandleFunc("/streams/{id}/stop", s.handleStopStream).Methods("POST")
	api.HandleFunc("/streams/{id}/frame", s.handleSubmitFrame).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start binds host:port and serves the API in the background
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpSrv != nil {
		return nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind API server on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("API server failed")
		}
	}()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Msgf("API server listening on http://%s", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streams.Statuses())
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.streams.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.streams.StartStream(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("stream", id).Msg("Stream started via API")
	s.writeStatus(w, id)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.streams.StopStream(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("stream", id).Msg("Stream stopped via API")
	s.writeStatus(w, id)
}

func (s *Server) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameUpload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		http.Error(w, "body is not a JPEG image", http.StatusBadRequest)
		return
	}

	if err := s.streams.SubmitFrame(mux.Vars(r)["id"], data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStreamEvents pushes every stream's status over a websocket each
// events interval until the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// Reads only detect the close; clients send nothing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.eventsInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.streams.Statuses()); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	statuses := s.streams.Statuses()
	for _, st := range statuses {
		if st.Stats.Running {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"version":         Version,
		"streams":         len(statuses),
		"streams_running": running,
	})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>lenscast</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 900px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-top: 0; }
        .stream { margin: 20px 0; }
        .stream img { max-width: 100%; background: #222; }
        .stopped { color: #999; }
        a { color: #1976d2; text-decoration: none; }
        a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <div class="container">
        <h1>lenscast</h1>
        {{range .}}
        <div class="stream">
            <h3>{{.ID}} <small>({{.Source}})</small></h3>
            {{if .Stats.Running}}
            <p><a href="{{.URL}}">{{.URL}}</a> &middot; {{.Stats.Clients}} client(s)</p>
            <img src="{{.URL}}" alt="{{.ID}}">
            {{else}}
            <p class="stopped">stopped</p>
            {{end}}
        </div>
        {{else}}
        <p>No streams configured.</p>
        {{end}}
        <h3>API Endpoints:</h3>
        <ul>
            <li><a href="/api/health">/api/health</a> - Server health check</li>
            <li><a href="/api/streams">/api/streams</a> - Stream status</li>
            <li><a href="/api/config">/api/config</a> - View configuration</li>
            <li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
        </ul>
    </div>
</body>
</html>`))

type indexStream struct {
	stream.Status
	URL string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Stream ports are served on the same host the page was requested from
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}

	var streams []indexStream
	for _, st := range s.streams.Statuses() {
		port := st.Port
		if st.Stats.Addr != "" {
			if _, p, err := net.SplitHostPort(st.Stats.Addr); err == nil {
				port, _ = strconv.Atoi(p)
			}
		}
		streams = append(streams, indexStream{
			Status: st,
			URL:    "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/",
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, streams); err != nil {
		s.log.Error().Err(err).Msg("Failed to render index page")
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, id string) {
	st, err := s.streams.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeError maps stream errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var bindErr *output.BindError
	switch {
	case errors.Is(err, stream.ErrUnknownStream):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, output.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &bindErr):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
