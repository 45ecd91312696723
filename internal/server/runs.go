package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/contentops/internal/service"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// TriggerRequest is the body of the pipeline trigger endpoints.
type TriggerRequest struct {
	ContentTypes  []string `json:"content_types,omitempty"`
	ForceRefresh  bool     `json:"force_refresh,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Wait          bool     `json:"wait,omitempty"`
}

// TriggerResponse acknowledges an asynchronous run.
type TriggerResponse struct {
	RunID  string            `json:"run_id"`
	Status service.RunStatus `json:"status"`
}

func (s *Server) handleTrigger(kind service.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TriggerRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if v := r.URL.Query().Get("wait"); v != "" {
			req.Wait, _ = strconv.ParseBool(v)
		}
		types, err := parseContentTypes(req.ContentTypes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		runReq := service.RunRequest{
			ContentTypes:  types,
			ForceRefresh:  req.ForceRefresh,
			MaxConcurrent: req.MaxConcurrent,
		}

		if !req.Wait {
			run, err := s.runs.Start(kind, runReq)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: run.ID, Status: run.Snapshot().Status})
			return
		}

		run, err := s.runs.Execute(r.Context(), kind, runReq)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run.Snapshot().Result)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// handleStreamRun pushes a snapshot on every change of the run and closes
// the socket once the run is terminal.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "run_id", run.ID, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		changed := run.Changed()
		snap := run.Snapshot()

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Debug("stream write failed", "run_id", run.ID, "error", err)
			return
		}
		if snap.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
			return
		}

	wait:
		for {
			select {
			case <-changed:
				break wait
			case <-gone:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					return
				}
			}
		}
	}
}
