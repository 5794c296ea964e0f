package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/timeline"
)

// Engine is the control surface the server drives. *beatmix.Engine
// satisfies it; the snapshot is passed through as an opaque JSON value.
type Engine interface {
	Play() error
	Pause() error
	Stop() error
	Seek(beat float64) error
	SetTempo(bpm float64) float64
	SetMasterGain(gain float64) error
	SetMasterMute(muted bool)
	SetVoiceGain(blockID string, gain float64) error
	SetVoicePan(blockID string, pan float64) error
	SetVoiceMute(blockID string, mute bool) error
	SetVoiceSolo(blockID string, solo bool) error
	RetryBlock(blockID string)
	State() any
}

const DefaultStateInterval = 100 * time.Millisecond

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStateInterval sets how often /ws/state pushes a snapshot.
func WithStateInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMonitor mounts a WebRTC offer handler at /offer.
func WithMonitor(h http.Handler) Option {
	return func(s *Server) { s.monitor = h }
}

type Server struct {
	engine   Engine
	log      *zap.Logger
	interval time.Duration
	monitor  http.Handler
	handler  http.Handler
	upgrader websocket.Upgrader
}

func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		log:      zap.NewNop(),
		interval: DefaultStateInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	// CORS wraps the router so preflight requests never reach method matching.
	s.handler = cors(s.routes())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/transport/seek", s.handleSeek).Methods(http.MethodPost)
	api.HandleFunc("/transport/tempo", s.handleTempo).Methods(http.MethodPost)
	api.HandleFunc("/transport/{action:play|pause|stop}", s.handleTransport).Methods(http.MethodPost)
	api.HandleFunc("/master", s.handleMaster).Methods(http.MethodPost)
	api.HandleFunc("/voices/{blockID}", s.handleVoice).Methods(http.MethodPost)
	api.HandleFunc("/voices/{blockID}/retry", s.handleRetry).Methods(http.MethodPost)

	r.HandleFunc("/ws/state", s.handleStateFeed).Methods(http.MethodGet)
	if s.monitor != nil {
		r.Handle("/offer", s.monitor).Methods(http.MethodPost)
	}
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, timeline.ErrInvalidParameter) {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(timeline.ErrInvalidParameter, err)
	}
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["action"] {
	case "play":
		err = s.engine.Play()
	case "pause":
		err = s.engine.Pause()
	case "stop":
		err = s.engine.Stop()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Beat *float64 `json:"beat"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Beat == nil {
		s.writeError(w, errors.Join(timeline.ErrInvalidParameter, errors.New("beat is required")))
		return
	}
	if err := s.engine.Seek(*req.Beat); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BPM *float64 `json:"bpm"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.BPM == nil {
		s.writeError(w, errors.Join(timeline.ErrInvalidParameter, errors.New("bpm is required")))
		return
	}
	bpm := s.engine.SetTempo(*req.BPM)
	s.writeJSON(w, http.StatusOK, map[string]float64{"bpm": bpm})
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Gain *float64 `json:"gain"`
		Mute *bool    `json:"mute"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Gain != nil {
		if err := s.engine.SetMasterGain(*req.Gain); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Mute != nil {
		s.engine.SetMasterMute(*req.Mute)
	}
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["blockID"]
	var req struct {
		Gain *float64 `json:"gain"`
		Pan  *float64 `json:"pan"`
		Mute *bool    `json:"mute"`
		Solo *bool    `json:"solo"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var errs []error
	if req.Gain != nil {
		errs = append(errs, s.engine.SetVoiceGain(id, *req.Gain))
	}
	if req.Pan != nil {
		errs = append(errs, s.engine.SetVoicePan(id, *req.Pan))
	}
	if req.Mute != nil {
		errs = append(errs, s.engine.SetVoiceMute(id, *req.Mute))
	}
	if req.Solo != nil {
		errs = append(errs, s.engine.SetVoiceSolo(id, *req.Solo))
	}
	if err := errors.Join(errs...); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.engine.RetryBlock(mux.Vars(r)["blockID"])
	w.WriteHeader(http.StatusNoContent)
}

// handleStateFeed pushes a snapshot every interval until the client goes
// away.
func (s *Server) handleStateFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.engine.State()); err != nil {
			s.log.Debug("state feed closed", zap.Error(err))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
