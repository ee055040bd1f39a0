package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/processor"
	"github.com/adverant/nexus/videocoach-worker/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Runner is the analysis pipeline as seen by the HTTP API
type Runner interface {
	Submit(ctx context.Context, path string) ([]models.AnalysisResult, error)
	Snapshot() processor.Snapshot
}

type Subscriber interface {
	Subscribe() (<-chan processor.Snapshot, func())
}

type Resolver interface {
	Resolve(ctx context.Context, ref, jobID string) (string, func(), error)
}

type Diagnoser interface {
	RunDiagnostics(ctx context.Context) models.Diagnostics
}

// Uploads stores multipart uploads as local files
type Uploads interface {
	SaveUpload(r io.Reader, runID, filename string) (string, error)
	Cleanup(path string) error
}

type Config struct {
	Port          int
	MaxUploadSize int64
	Runner        Runner
	Progress      Subscriber
	Resolver      Resolver
	Diagnostics   Diagnoser
	Uploads       Uploads
	Logger        *zap.Logger
}

// Server exposes run submission, state, a snapshot stream and diagnostics
type Server struct {
	cfg      Config
	logger   *zap.Logger
	http     *http.Server
	upgrader websocket.Upgrader

	// runs outlive the request that started them
	baseCtx context.Context
	stop    context.CancelFunc
	runs    sync.WaitGroup
}

func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		baseCtx: ctx,
		stop:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Minute, // uploads
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleSubmit)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	return mux
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels the active run and waits for it
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.stop()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

type submitRequest struct {
	VideoURL string `json:"videoUrl"`
}

type submitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	jobID := models.NewJobID()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		s.submitUpload(w, r, jobID)
	case "application/json":
		var req submitRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.VideoURL == "" {
			writeError(w, http.StatusBadRequest, "videoUrl is required")
			return
		}
		s.start(jobID, func(ctx context.Context) (string, func(), error) {
			return s.cfg.Resolver.Resolve(ctx, req.VideoURL, jobID)
		})
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Status: "accepted"})
	default:
		writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data or application/json")
	}
}

func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"video\" is required")
		return
	}
	defer file.Close()

	path, err := s.cfg.Uploads.SaveUpload(file, jobID, header.Filename)
	if err != nil {
		s.logger.Error("failed to store upload", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	cleanup := func() {
		if err := s.cfg.Uploads.Cleanup(path); err != nil {
			s.logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
		}
	}

	// A non-video resets the pipeline right away so the caller sees the error
	if _, err := utils.DetectVideoType(path); err != nil {
		defer cleanup()
		if _, err := s.cfg.Runner.Submit(r.Context(), path); err != nil {
			writeError(w, http.StatusBadRequest, s.cfg.Runner.Snapshot().Error)
			return
		}
	}

	s.start(jobID, func(context.Context) (string, func(), error) {
		return path, cleanup, nil
	})
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Status: "accepted"})
}

// start runs the pipeline in the background; a newer submission supersedes it
func (s *Server) start(jobID string, resolve func(ctx context.Context) (string, func(), error)) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		logger := s.logger.With(zap.String("job_id", jobID))

		path, cleanup, err := resolve(s.baseCtx)
		if err != nil {
			logger.Error("failed to resolve video", zap.Error(err))
			return
		}
		defer cleanup()

		results, err := s.cfg.Runner.Submit(s.baseCtx, path)
		if err != nil {
			logger.Warn("run ended without results", zap.Error(err))
			return
		}
		logger.Info("run completed", zap.Int("frames", len(results)))
	}()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Runner.Snapshot())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := s.cfg.Diagnostics.RunDiagnostics(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	snaps, cancel := s.cfg.Progress.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.baseCtx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

// readPump discards client messages and signals when the peer goes away
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
