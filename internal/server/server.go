package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/jamloop/internal/recording"
	"github.com/audiolibrelab/jamloop/internal/service"
	"github.com/audiolibrelab/jamloop/internal/tracks"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

// Server is the HTTP remote control for a looper
type Server struct {
	service service.Service
	port    string
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    transport.Status `json:"status"`
	Position  float64          `json:"position_seconds"`
	Beats     float64          `json:"beats"`
	Tempo     float64          `json:"tempo_bpm"`
	Tracks    int              `json:"tracks"`
	Voices    int              `json:"voices"`
	LastError string           `json:"last_error,omitempty"`
}

// TracksResponse represents the JSON response for tracks endpoint
type TracksResponse struct {
	Tracks []tracks.Entry `json:"tracks"`
}

// New creates a new web server instance
func New(svc service.Service, port string) *Server {
	s := &Server{
		service: svc,
		port:    port,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/tracks", s.handleTracks)
	s.mux.HandleFunc("/tracks/", s.handleTrack)
	s.mux.HandleFunc("/record", s.handleRecord)
	s.mux.HandleFunc("/play", s.handlePlay)
	s.mux.HandleFunc("/seek", s.handleSeek)
	s.mux.HandleFunc("/advance", s.handleAdvance)
	s.mux.HandleFunc("/retreat", s.handleRetreat)
	s.mux.HandleFunc("/tempo", s.handleTempo)
	s.mux.HandleFunc("/note", s.handleNote)
	s.mux.HandleFunc("/events", s.handleEvents)
	return s
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting jamloop control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down control server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleStatus returns the transport state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, s.statusResponse())
}

func (s *Server) statusResponse() StatusResponse {
	st := s.service.State()
	return StatusResponse{
		Status:    st.Status,
		Position:  st.Position,
		Beats:     st.Beats(),
		Tempo:     st.Tempo,
		Tracks:    len(s.service.Tracks()),
		Voices:    s.service.Voices(),
		LastError: s.service.GetLastError(),
	}
}

// handleTracks lists tracks in creation order
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, TracksResponse{Tracks: s.service.Tracks()})
}

// handleTrack serves DELETE /tracks/{name}
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodDelete) {
		return
	}
	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/tracks/"))
	if err != nil || name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Track name is required", "operation", "remove_track")
		return
	}
	if !s.service.RemoveTrack(name) {
		s.sendErrorResponse(w, http.StatusNotFound,
			fmt.Sprintf("Track not found: %s", name),
			"track", name, "operation", "remove_track")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Track removed",
		"track":   name,
	})
}

// handleRecord toggles recording
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	res, err := s.service.Record(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recording.ErrRecordingDecode) {
			status = http.StatusUnprocessableEntity
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Recording failed: %v", err), "operation", "record")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": res.Outcome != recording.OutcomeIgnored,
		"result":  res,
		"state":   s.service.State(),
	})
}

// handlePlay toggles playback
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	st, err := s.service.Play(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Playback failed: %v", err), "operation", "play")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"state":   st,
	})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, "to", "seek", s.service.Seek)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, "by", "advance", s.service.Advance)
}

func (s *Server) handleRetreat(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, "by", "retreat", s.service.Retreat)
}

// handleMove applies a seek; a rejected seek is a conflict, not a failure
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, param, operation string, move func(float64) bool) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	seconds, ok := s.floatParam(w, r, param, operation)
	if !ok {
		return
	}
	if !move(seconds) {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Cannot %s while %s", operation, s.service.State().Status),
			"operation", operation)
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"state":   s.service.State(),
	})
}

// handleTempo sets the tempo
func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	bpm, ok := s.floatParam(w, r, "bpm", "tempo")
	if !ok {
		return
	}
	if err := s.service.SetTempo(bpm); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "tempo")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"state":   s.service.State(),
	})
}

// handleNote plays a synth note, e.g. POST /note?name=A4&seconds=0.5
func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	name := r.FormValue("name")
	if name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Parameter 'name' is required", "operation", "note")
		return
	}
	seconds := 0.5
	if r.FormValue("seconds") != "" {
		v, ok := s.floatParam(w, r, "seconds", "note")
		if !ok {
			return
		}
		seconds = v
	}
	if err := s.service.Note(r.Context(), name, seconds); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "note")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"note":    name,
		"state":   s.service.State(),
	})
}

// handleEvents streams transport and track updates as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported", "operation", "events")
		return
	}

	states, cancelStates := s.service.SubscribeState()
	defer cancelStates()
	trackLists, cancelTracks := s.service.SubscribeTracks()
	defer cancelTracks()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(event string, v interface{}) bool {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("Failed to encode event", "event", event, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent("state", s.service.State()) || !writeEvent("tracks", s.service.Tracks()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-states:
			if !ok || !writeEvent("state", st) {
				return
			}
		case list, ok := <-trackLists:
			if !ok || !writeEvent("tracks", list) {
				return
			}
		}
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func (s *Server) floatParam(w http.ResponseWriter, r *http.Request, name, operation string) (float64, bool) {
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", operation)
		return 0, false
	}
	raw := r.FormValue(name)
	if raw == "" {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Parameter '%s' is required", name), "operation", operation)
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Parameter '%s' must be a number, got %q", name, raw), "operation", operation)
		return 0, false
	}
	return v, true
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	// Send JSON error response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
