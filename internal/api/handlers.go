package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pardalotus/metabeak/internal/config"
	"github.com/pardalotus/metabeak/internal/model"
	"github.com/pardalotus/metabeak/internal/sandbox"
	"github.com/pardalotus/metabeak/internal/store"
)

type functionResponse struct {
	FunctionID int64  `json:"function_id"`
	Hash       string `json:"hash"`
	Status     string `json:"status"`
	Created    string `json:"created"`
}

func toFunctionResponse(h *model.Handler) functionResponse {
	return functionResponse{
		FunctionID: h.ID,
		Hash:       h.Hash,
		Status:     h.Status.String(),
		Created:    h.Created.UTC().Format(time.RFC3339),
	}
}

type resultResponse struct {
	ResultID int64           `json:"result_id"`
	EventID  int64           `json:"event_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	Created  string          `json:"created"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("writing response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) functionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "functionID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "function id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": sandbox.Platform,
		"version": config.Version,
	})
}

func (s *Server) getHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Heartbeat(r.Context()); err != nil {
		s.logger.Error("heartbeat failed", "error", err.Error())
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"heartbeat": "ok",
		"platform":  sandbox.Platform,
		"version":   config.Version,
	})
}

// readFunctionSource accepts the source either as the raw request body or
// as a multipart form field named "data" (curl -F convenience).
func (s *Server) readFunctionSource(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("data")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	}
	return io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxUploadBytes+1))
}

// postFunction accepts JavaScript source and registers it as a handler
// function. Re-uploading identical code returns the existing function with
// 200 rather than 201. The source is not validated here beyond its size;
// broken code is detected and reported by the engine on first execution.
func (s *Server) postFunction(w http.ResponseWriter, r *http.Request) {
	body, err := s.readFunctionSource(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxUploadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "function source too large")
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "function source is empty")
		return
	}

	h, created, err := s.store.UpsertHandler(r.Context(), string(body), 0)
	if err != nil {
		s.logger.Error("upserting function", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storing function")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, toFunctionResponse(h))
}

func (s *Server) listFunctions(w http.ResponseWriter, r *http.Request) {
	handlers, err := s.store.ListHandlers(r.Context())
	if err != nil {
		s.logger.Error("listing functions", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "listing functions")
		return
	}

	out := make([]functionResponse, len(handlers))
	for i := range handlers {
		out[i] = toFunctionResponse(&handlers[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"functions": out})
}

func (s *Server) getFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	h, err := s.store.GetHandler(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		s.logger.Error("fetching function", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "fetching function")
		return
	}
	s.writeJSON(w, http.StatusOK, toFunctionResponse(h))
}

func (s *Server) getFunctionCode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	code, err := s.store.GetCode(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		s.logger.Error("fetching function code", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "fetching function code")
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, code)
}

// postFunctionStatus enables or disables a function. Broken functions are
// recovered by enabling them again.
func (s *Server) postFunctionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}

	var to model.HandlerStatus
	switch req.Status {
	case "enabled":
		to = model.StatusEnabled
	case "disabled":
		to = model.StatusDisabled
	default:
		s.writeError(w, http.StatusBadRequest, "status must be enabled or disabled")
		return
	}

	err := s.store.SetStatus(r.Context(), id, to)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "function not found")
	case errors.Is(err, store.ErrBadTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("setting function status", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "setting function status")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

// getFunctionResults pages through a function's saved results. The public
// route serves only successful matches; the debug route includes failures
// with their error text and captured console output.
func (s *Server) getFunctionResults(successOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.functionID(w, r)
		if !ok {
			return
		}

		var after int64
		if v := r.URL.Query().Get("cursor"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed < 0 {
				s.writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
				return
			}
			after = parsed
		}

		if _, err := s.store.GetHandler(r.Context(), id); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "function not found")
			return
		} else if err != nil {
			s.logger.Error("fetching function", "error", err.Error())
			s.writeError(w, http.StatusInternalServerError, "fetching results")
			return
		}

		rows, next, err := s.store.GetResults(r.Context(), id, after, s.cfg.ResultPageSize, successOnly)
		if err != nil {
			s.logger.Error("fetching results", "error", err.Error())
			s.writeError(w, http.StatusInternalServerError, "fetching results")
			return
		}

		out := make([]resultResponse, len(rows))
		for i, row := range rows {
			out[i] = resultResponse{
				ResultID: row.ResultID,
				EventID:  row.EventID,
				Error:    row.Error,
				Created:  row.Created.UTC().Format(time.RFC3339),
			}
			if row.Result != nil {
				out[i].Result = json.RawMessage(*row.Result)
			}
			if !successOnly {
				out[i].Stdout = row.Stdout
				out[i].Stderr = row.Stderr
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"results": out, "next": next})
	}
}

// postEvent accepts a single event in its public JSON form and enqueues it
// for execution against all enabled functions.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxUploadBytes+1))
	if err != nil || int64(len(body)) > s.cfg.MaxUploadBytes {
		s.writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	ev, err := model.ParseEvent(string(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.InsertEvent(r.Context(), ev)
	if err != nil {
		s.logger.Error("inserting event", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storing event")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"event_id": id})
}
