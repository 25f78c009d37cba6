package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/w1xm/mcu_simulator/rotator"
	"github.com/w1xm/mcu_simulator/sim"
)

// Mover is what the operator surfaces need from the simulator.
type Mover interface {
	rotator.Mover
	ParseTestMove(azimuth, elevation, speed string) error
}

type Server struct {
	mover Mover
	log   zerolog.Logger

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     sim.Status
	seq        uint64
}

func NewServer(mover Mover, log zerolog.Logger) *Server {
	s := &Server{
		mover: mover,
		log:   log.With().Str("component", "http").Logger(),
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) latest() (sim.Status, uint64) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status, s.seq
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.latest()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (s *Server) TestMoveHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.mover.ParseTestMove(r.FormValue("azimuth"), r.FormValue("elevation"), r.FormValue("speed"))
	if errors.Is(err, sim.ErrBusy) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type Command struct {
	Command   string  `json:"command"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	Speed     float64 `json:"speed"`
}

type commandError struct {
	Error string `json:"error"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var err error
			switch msg.Command {
			case "test_move":
				err = s.mover.TestMove(msg.Azimuth, msg.Elevation, msg.Speed)
			default:
				s.log.Warn().Str("command", msg.Command).Msg("unknown websocket command")
				continue
			}
			if err != nil {
				if err := send(commandError{Error: err.Error()}); err != nil {
					return
				}
			}
		}
	}()

	// Wake the wait below when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	status, seq := s.latest()
	if err := send(status); err != nil {
		return
	}
	for {
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, seq = s.status, s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := send(status); err != nil {
			s.log.Debug().Err(err).Msg("websocket send")
			return
		}
	}
}

func (s *Server) statusCallback(status rotator.Status) {
	st, ok := status.(sim.Status)
	if !ok {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = st
	s.seq++
	s.statusCond.Broadcast()
}
