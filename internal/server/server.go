package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/feedback/openai"
	"github.com/audiolibrelab/answercapture/internal/level"
	"github.com/audiolibrelab/answercapture/internal/recorder"
	"github.com/audiolibrelab/answercapture/internal/service"
	"github.com/audiolibrelab/answercapture/internal/session"
)

// Server exposes the answer capture service over HTTP
type Server struct {
	service service.Service
	port    string

	// StatusInterval is how often the live feed pushes the session status.
	StatusInterval time.Duration
	// AcquireTimeout bounds a device acquisition request.
	AcquireTimeout time.Duration
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Session   *session.Snapshot `json:"session"`
	LastError string            `json:"last_error,omitempty"`
}

// AdvanceResponse represents the JSON response for the advance endpoint
type AdvanceResponse struct {
	StatusResponse
	Finalized bool `json:"finalized"`
}

// FeedbackResponse lists the critiques received for a session
type FeedbackResponse struct {
	SessionID string          `json:"session_id"`
	Results   []openai.Result `json:"results"`
}

// LiveMessage is one websocket message of the live feed
type LiveMessage struct {
	Type   string          `json:"type"` // "status", "level"
	Status *StatusResponse `json:"status,omitempty"`
	Level  *level.Sample   `json:"level,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, port string) *Server {
	return &Server{
		service:        svc,
		port:           port,
		StatusInterval: 250 * time.Millisecond,
		AcquireTimeout: 30 * time.Second,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/jobs", s.handleJobs)

	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("GET /api/session", s.handleStatus)
	mux.HandleFunc("DELETE /api/session", s.handleDispose)
	mux.HandleFunc("POST /api/session/acquire", s.handleAcquire)
	mux.HandleFunc("POST /api/session/start", s.action("start answer", s.service.StartAnswer))
	mux.HandleFunc("POST /api/session/retry", s.action("retry", s.service.Retry))
	mux.HandleFunc("POST /api/session/abandon", s.action("abandon attempt", s.service.Abandon))
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/advance", s.handleAdvance)
	mux.HandleFunc("GET /api/session/live", s.handleLive)
	mux.HandleFunc("GET /api/feedback/{id}", s.handleFeedback)
	return mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting AnswerCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down web server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    s.service.Jobs(),
	})
}

// handleCreateSession starts a new session, disposing the previous one
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req service.SessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "error", err)
			return
		}
	}

	slog.Debug("Create session request received", "difficulty", req.Difficulty, "count", req.Count, "job", req.Job)
	snap, err := s.service.StartSession(req)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to start session: %v", err), "operation", "create_session")
		return
	}

	writeJSON(w, http.StatusCreated, StatusResponse{
		Success: true,
		Message: "Session created",
		Session: &snap,
	})
}

// handleStatus returns the current session view
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse(""))
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Dispose(); err != nil {
		s.sendServiceError(w, err, "dispose")
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse("Session disposed"))
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.AcquireTimeout)
	defer cancel()

	if err := s.service.Acquire(ctx); err != nil {
		s.sendServiceError(w, err, "acquire")
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse("Capture device acquired"))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopAnswer(r.Context()); err != nil {
		s.sendServiceError(w, err, "stop")
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse("Recording stopped"))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	finalized, err := s.service.Advance()
	if err != nil {
		s.sendServiceError(w, err, "advance")
		return
	}
	message := "Moved to next question"
	if finalized {
		message = "Session finalized"
	}
	writeJSON(w, http.StatusOK, AdvanceResponse{
		StatusResponse: s.statusResponse(message),
		Finalized:      finalized,
	})
}

// action wraps a session operation without arguments
func (s *Server) action(name string, op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			s.sendServiceError(w, err, name)
			return
		}
		writeJSON(w, http.StatusOK, s.statusResponse(""))
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results := s.service.GetFeedback(id)
	if results == nil {
		results = []openai.Result{}
	}
	writeJSON(w, http.StatusOK, FeedbackResponse{SessionID: id, Results: results})
}

// handleLive streams level samples and periodic status over a websocket
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	samples, cancel := s.service.SubscribeLevels()
	defer cancel()

	ticker := time.NewTicker(s.StatusInterval)
	defer ticker.Stop()

	slog.Debug("Live feed client connected", "remote", r.RemoteAddr)
	if err := s.sendStatus(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Live feed client disconnected", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			if err := s.sendStatus(ctx, conn); err != nil {
				return
			}
		case sample, ok := <-samples:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeLive(ctx, conn, LiveMessage{Type: "level", Level: &sample}); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendStatus(ctx context.Context, conn *websocket.Conn) error {
	status := s.statusResponse("")
	return writeLive(ctx, conn, LiveMessage{Type: "status", Status: &status})
}

func writeLive(ctx context.Context, conn *websocket.Conn, msg LiveMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		slog.Debug("Live feed write failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func (s *Server) statusResponse(message string) StatusResponse {
	st := s.service.GetStatus()
	return StatusResponse{
		Success:   true,
		Message:   message,
		Session:   st.Session,
		LastError: st.LastError,
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, device.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrDeviceBusy),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, recorder.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError reports a failed session operation. Rejected transitions
// carry their user-facing reason as the message.
func (s *Server) sendServiceError(w http.ResponseWriter, err error, operation string) {
	code := statusFor(err)
	msg := err.Error()
	var te *session.TransitionError
	if errors.As(err, &te) && te.Reason != nil {
		msg = te.Reason.Error()
	}

	slog.Error("Sending error response to client",
		"error_message", msg, "status_code", code, "operation", operation, "error", err)
	body := map[string]interface{}{
		"success": false,
		"error":   msg,
		"kind":    errorKind(err),
	}
	if st := s.service.GetStatus(); st.Session != nil {
		body["session"] = st.Session
	}
	writeJSON(w, code, body)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, service.ErrNoSession):
		return "no_session"
	case errors.Is(err, session.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, recorder.ErrEncoding):
		return "encoding"
	default:
		return device.Kind(err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
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
