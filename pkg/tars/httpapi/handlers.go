package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// InjectRequest is the body of POST /inject.
type InjectRequest struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// InjectResponse reports whether the primary accepted the message.
type InjectResponse struct {
	Success  bool   `json:"success"`
	Source   string `json:"source"`
	Instance int    `json:"instance"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}

	resp := InjectResponse{
		Success:  s.svc.Inject(req.Source, req.Content),
		Source:   req.Source,
		Instance: s.svc.Status().Instance,
	}
	if !resp.Success {
		resp.Error = "primary is not accepting input"
		s.logger.Warn("injection rejected", "source", req.Source)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.logger.Debug("injected", "source", req.Source, "bytes", len(req.Content))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": s.svc.Status().Instance,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}
