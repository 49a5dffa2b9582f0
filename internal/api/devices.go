package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// maxRequestTimeout caps timeout_ms in device requests.
const maxRequestTimeout = 5 * time.Minute

// deviceRequest is the body of POST /devices/{clientId}/{op}.
type deviceRequest struct {
	Path       string               `json:"path"`
	Value      any                  `json:"value,omitempty"`
	Args       []any                `json:"args,omitempty"`
	Attributes *protocol.Attributes `json:"attributes,omitempty"`
	TimeoutMS  int                  `json:"timeout_ms,omitempty"`
}

// deviceResponse is what a settled device request returns.
type deviceResponse struct {
	ClientID string          `json:"client_id"`
	Path     string          `json:"path"`
	Status   protocol.Status `json:"status"`
	Data     any             `json:"data,omitempty"`
}

// ops maps the {op} path segment to a command.
var ops = map[string]protocol.Command{
	"read":       protocol.CmdRead,
	"write":      protocol.CmdWrite,
	"discover":   protocol.CmdDiscover,
	"execute":    protocol.CmdExecute,
	"observe":    protocol.CmdObserve,
	"attributes": protocol.CmdWriteAttrs,
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.shepherd.List()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	d, ok := s.shepherd.Find(clientID)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleRemoveDevice deletes a device on an operator's behalf.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.shepherd.Remove(r.Context(), chi.URLParam(r, "clientId"))
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if _, ok := s.shepherd.Find(clientID); !ok {
		writeNotFound(w, "device not found")
		return
	}
	obs := s.shepherd.Observations(clientID)
	writeJSON(w, http.StatusOK, map[string]any{"observations": obs, "count": len(obs)})
}

// handleDeviceRequest issues one request to the device and waits for it
// to settle or time out.
func (s *Server) handleDeviceRequest(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	cmd, ok := ops[chi.URLParam(r, "op")]
	if !ok {
		writeNotFound(w, "unknown operation")
		return
	}

	var body deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	path, err := protocol.ParsePath(body.Path)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if body.TimeoutMS < 0 {
		writeBadRequest(w, "timeout_ms must not be negative")
		return
	}
	timeout := min(time.Duration(body.TimeoutMS)*time.Millisecond, maxRequestTimeout)

	req := coordinator.Request{ClientID: clientID, Command: cmd, Path: path}
	switch cmd {
	case protocol.CmdWrite:
		if body.Value == nil {
			writeBadRequest(w, "value is required")
			return
		}
		req.Data = body.Value
	case protocol.CmdExecute:
		req.Data = body.Args
		if req.Data == nil {
			req.Data = []any{}
		}
	case protocol.CmdWriteAttrs:
		if body.Attributes == nil {
			writeBadRequest(w, "attributes are required")
			return
		}
		if err := body.Attributes.Validate(); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		req.Data = *body.Attributes
	}

	res, err := s.shepherd.RequestWithTimeout(r.Context(), req, timeout)
	if err != nil {
		s.logger.Debug("device request failed",
			"client_id", clientID, "command", cmd.String(), "path", path.String(), "error", err)
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{ClientID: clientID, Path: path.String(), Status: res.Status, Data: res.Data})
}

type cancelObserveRequest struct {
	Path string `json:"path"`
}

// handleCancelObserve stops an observation.
func (s *Server) handleCancelObserve(w http.ResponseWriter, r *http.Request) {
	var body cancelObserveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	path, err := protocol.ParsePath(body.Path)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.shepherd.CancelObserve(r.Context(), chi.URLParam(r, "clientId"), path); err != nil {
		writeRequestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
