// Package control exposes the call client over a local HTTP API.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/call"
	"vico_home/vicocall/internal/domain"
)

const (
	shutdownTimeout = 5 * time.Second
	eventBuffer     = 32
)

// Caller is the part of call.Client the API drives.
type Caller interface {
	Snapshot() call.Snapshot
	Incoming() (call.Snapshot, bool)
	Start(ctx context.Context, peerID string) (call.Snapshot, error)
	Accept(ctx context.Context) (call.Snapshot, error)
	Reject() error
	Hangup() error
	ToggleAudio() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	SwitchCamera(ctx context.Context, deviceID string) error
	Subscribe(fn func(call.Event)) func()
}

// Server is the local control API.
type Server struct {
	calls    Caller
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a control API over calls.
func NewServer(calls Caller, logger zerolog.Logger) *Server {
	return &Server{
		calls:  calls,
		logger: logger.With().Str("module", "control").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/state", s.getState)
	r.Get("/incoming", s.getIncoming)
	r.Get("/events", s.serveEvents)

	r.Route("/calls", func(r chi.Router) {
		r.Post("/", s.startCall)
		r.Post("/accept", s.acceptCall)
		r.Post("/reject", s.rejectCall)
		r.Post("/hangup", s.hangup)
	})

	r.Route("/tracks", func(r chi.Router) {
		r.Post("/audio/toggle", s.toggleAudio)
		r.Post("/video/toggle", s.toggleVideo)
		r.Post("/video/switch", s.switchCamera)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) getIncoming(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.calls.Incoming()
	if !ok {
		s.writeError(w, call.ErrNoIncomingCall)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// callContext keeps request values but not its cancellation. A call
// outlives the request that started it and is cancelled by Hangup.
func callContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

type startRequest struct {
	PeerID string `json:"peerId"`
}

func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "peerId required"})
		return
	}
	snap, err := s.calls.Start(callContext(r), req.PeerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) acceptCall(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Accept(callContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) rejectCall(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Reject(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) hangup(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Hangup(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

type toggleResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) toggleAudio(w http.ResponseWriter, r *http.Request) {
	on, err := s.calls.ToggleAudio()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Enabled: on})
}

func (s *Server) toggleVideo(w http.ResponseWriter, r *http.Request) {
	on, err := s.calls.ToggleVideo(callContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Enabled: on})
}

type switchRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) switchCamera(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "deviceId required"})
		return
	}
	if err := s.calls.SwitchCamera(callContext(r), req.DeviceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// eventFrame is the wire form of a call.Event on /events.
type eventFrame struct {
	Type     string        `json:"type"`
	Snapshot call.Snapshot `json:"snapshot"`
	Notice   *call.Notice  `json:"notice,omitempty"`
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade events stream")
		return
	}
	defer conn.Close()

	frames := make(chan eventFrame, eventBuffer)
	unsubscribe := s.calls.Subscribe(func(ev call.Event) {
		select {
		case frames <- eventFrame{Type: ev.Type.String(), Snapshot: ev.Snapshot, Notice: ev.Notice}:
		default:
			s.logger.Warn().Str("type", ev.Type.String()).Msg("events stream lagging, dropped event")
		}
	})
	defer unsubscribe()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(eventFrame{Type: call.EventState.String(), Snapshot: s.calls.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case f := <-frames:
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrToggleBusy),
		errors.Is(err, call.ErrNegotiationBusy),
		errors.Is(err, call.ErrInvalidPhase),
		errors.Is(err, call.ErrCallEnded):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, call.ErrNoTrack):
		return http.StatusNotFound
	case domain.IsDeviceError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
