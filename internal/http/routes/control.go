package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/offlinecache/internal/lifecycle"
	"github.com/briangreenhill/offlinecache/internal/service"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

type installRequest struct {
	Version string `json:"version"`
}

type clickRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var in installRequest
	if !s.decodeOptional(w, r, &in) {
		return
	}
	s.dispatch(w, r, service.Event{Kind: service.EventInstall, Version: in.Version})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, service.Event{Kind: service.EventActivate})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg service.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	s.dispatch(w, r, service.Event{Kind: service.EventMessage, Message: msg})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, service.Event{Kind: service.EventOnline})
}

// handleSync queues the body (when present) for the tag and tries to
// deliver it. A delivery failure answers 202: the task stays queued.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := s.Svc.Dispatch(r.Context(), service.Event{
		Kind:    service.EventSync,
		Tag:     chi.URLParam(r, "tag"),
		Payload: payload,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(res.Failed) > 0 {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	task, ok, err := s.Svc.Pending(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "nothing queued")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	s.dispatch(w, r, service.Event{Kind: service.EventPush, Payload: payload})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var in clickRequest
	if !s.decodeOptional(w, r, &in) {
		return
	}
	s.dispatch(w, r, service.Event{Kind: service.EventNotificationClick, Action: in.Action, Data: in.Data})
}

// handleNotificationStream streams every shown notification to the hosting
// application as server-sent events until the client goes away
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	notes, cancel := s.Svc.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("notification stream cannot flush")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case d := <-notes:
			data, err := json.Marshal(d)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.Report(r.Context()))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev service.Event) {
	res, err := s.Svc.Dispatch(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Msg("control request failed")
	} else {
		hlog.FromRequest(r).Warn().Err(err).Msg("control request rejected")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownEvent),
		errors.Is(err, syncqueue.ErrUnknownTag):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnknownMessage),
		errors.Is(err, service.ErrInvalidQuestions),
		errors.Is(err, syncqueue.ErrInvalidPayload),
		errors.Is(err, lifecycle.ErrNoVersion):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNothingWaiting),
		errors.Is(err, service.ErrNoActiveGeneration):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInstallFailed),
		errors.Is(err, service.ErrNotificationUndelivered):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
