package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/task"
	"TaskSync/pkg/logger"
)

const codeMethodNotAllowed xerrors.Code = "METHOD_NOT_ALLOWED"

func init() {
	xerrors.Register(codeMethodNotAllowed, xerrors.Attributes{
		Message:    "method not allowed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusMethodNotAllowed,
	})
}

var (
	errRouteNotFound    = xerrors.New(xerrors.CodeNotFound, "route not found")
	errMethodNotAllowed = xerrors.New(codeMethodNotAllowed, "method not allowed")
	errShuttingDown     = xerrors.New(xerrors.CodeInitializationFailure, "server is shutting down")
	errBodyTooLarge     = xerrors.New(xerrors.CodeMalformedInput, "request body too large")
)

const rootBanner = "Task management is running..."

type messageResponse struct {
	Message string `json:"message"`
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, rootBanner)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	fields, err := s.readFields(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Add(r.Context(), task.OriginREST, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.InsertResult{Acknowledged: true, InsertedID: created.ID})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	patch, err := s.readFields(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.tasks.Update(r.Context(), task.OriginREST, id, patch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Task updated"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.tasks.Delete(r.Context(), task.OriginREST, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Task deleted"})
}

func (s *Server) readFields(w http.ResponseWriter, r *http.Request) (task.Fields, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, xerrors.Wrap(xerrors.CodeMalformedInput, err, "failed to read request body")
	}
	return task.ParseFields(body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Named("api").Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatusOf(err), errorResponse{Error: errorBody{
		Code:    xerrors.CodeOf(err),
		Message: xerrors.MessageOf(err),
	}})
}
