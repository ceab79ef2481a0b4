package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// Discovery is the read-only room surface exposed over REST.
type Discovery interface {
	PublicRooms(identifier string) ([]model.RoomSummary, error)
	CheckPresence(roomID string) (bool, model.PresenceInfo)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type PresenceResponse struct {
	IsPresent bool               `json:"isPresent"`
	RoomID    string             `json:"roomId"`
	Extra     model.PresenceInfo `json:"extra"`
}

type Server struct {
	logger    zerolog.Logger
	discovery Discovery
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	Discovery      Discovery
	MetricsHandler http.Handler
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		discovery: cfg.Discovery,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.publicRooms)
	r.HandleFunc("GET /api/presence/{roomID}", srv.presence)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.MetricsHandler != nil {
		r.Handle("GET /metrics", cfg.MetricsHandler)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) publicRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	identifier := r.URL.Query().Get("identifier")

	rooms, err := srv.discovery.PublicRooms(identifier)
	if err != nil {
		b, errJ := json.Marshal(&GenericResponse{Error: err.Error()})
		if errJ != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeBytes(w, http.StatusBadRequest, b)
		return
	}
	if rooms == nil {
		rooms = []model.RoomSummary{}
	}

	b, err := json.Marshal(&GenericResponse{Data: rooms})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func (srv *Server) presence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := r.PathValue("roomID")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	present, info := srv.discovery.CheckPresence(roomID)
	b, err := json.Marshal(&PresenceResponse{
		IsPresent: present,
		RoomID:    roomID,
		Extra:     info,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
