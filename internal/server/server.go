// Package server exposes the HTTP API: session CRUD and archival, import and
// export, model registry control, and the SSE chat stream endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Yaoaoin/snlite/internal/extract"
	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/internal/orchestrator"
	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/internal/registry"
	"github.com/Yaoaoin/snlite/internal/store"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// Server wires the store, registry, and orchestrator into HTTP handlers.
type Server struct {
	store     *store.Store
	reg       *registry.Registry
	orch      *orchestrator.Orchestrator
	providers map[string]provider.Client
}

// New creates a server over the given components. providers maps provider
// name to client for model listing and loading.
func New(st *store.Store, reg *registry.Registry, orch *orchestrator.Orchestrator, providers map[string]provider.Client) *Server {
	return &Server{store: st, reg: reg, orch: orch, providers: providers}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("POST /api/models/load", s.handleModelLoad)
	mux.HandleFunc("POST /api/models/unload", s.handleModelUnload)

	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleSessionPatch)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionArchive)
	mux.HandleFunc("DELETE /api/sessions/{id}/hard", s.handleSessionDelete)

	mux.HandleFunc("GET /api/archives", s.handleArchiveList)
	mux.HandleFunc("GET /api/archives/{id}", s.handleArchiveGet)
	mux.HandleFunc("DELETE /api/archives/{id}", s.handleArchiveDelete)

	mux.HandleFunc("GET /api/sessions/{id}/export.md", s.handleExportMarkdown)
	mux.HandleFunc("GET /api/sessions/{id}/export.json", s.handleExportJSON)
	mux.HandleFunc("GET /api/export/sessions.json", s.handleExportAll)
	mux.HandleFunc("POST /api/sessions/import.json", s.handleImport)
	mux.HandleFunc("POST /api/sessions/compact", s.handleCompact)
	mux.HandleFunc("POST /api/sessions/{id}/auto_title", s.handleAutoTitle)

	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/chat/regenerate/stream", s.handleRegenerateStream)
	mux.HandleFunc("POST /api/chat/stop", s.handleChatStop)
	mux.HandleFunc("POST /api/files/inspect", s.handleFilesInspect)

	return mux
}

// writeJSON marshals v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrValidation), errors.Is(err, extract.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoModel):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses a JSON request body into v. An empty body is allowed.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", store.ErrValidation)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type providerModels struct {
		Models []provider.ModelInfo `json:"models"`
		Error  string               `json:"error,omitempty"`
	}

	out := map[string]providerModels{}
	for name, client := range s.providers {
		models, err := client.ListModels(r.Context())
		entry := providerModels{Models: models}
		if err != nil {
			entry.Error = err.Error()
			entry.Models = []provider.ModelInfo{}
		}
		out[name] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registry":  s.reg.State(),
		"providers": out,
	})
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string         `json:"provider"`
		ModelID  string         `json:"model_id"`
		Params   map[string]any `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ModelID == "" {
		writeError(w, fmt.Errorf("model_id is required: %w", store.ErrValidation))
		return
	}
	if req.Provider == "" {
		req.Provider = "ollama"
	}
	client, ok := s.providers[req.Provider]
	if !ok {
		writeError(w, fmt.Errorf("unknown provider %q: %w", req.Provider, store.ErrValidation))
		return
	}

	s.reg.SetLoading()
	meta, err := client.Load(r.Context(), req.ModelID, req.Params)
	if err != nil {
		s.reg.SetError(err.Error())
		writeJSON(w, http.StatusBadGateway, s.reg.State())
		return
	}
	s.reg.SetProviderAndModel(client, req.Provider, req.ModelID, meta)
	writeJSON(w, http.StatusOK, s.reg.State())
}

func (s *Server) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	s.reg.Unload(r.Context())
	writeJSON(w, http.StatusOK, s.reg.State())
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Group string `json:"group"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.store.Create(req.Title, req.Group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title *string `json:"title"`
		Group *string `json:"group"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == nil && req.Group == nil {
		writeError(w, fmt.Errorf("nothing to update: %w", store.ErrValidation))
		return
	}

	id := r.PathValue("id")
	var sess chattypes.Session
	var err error
	if req.Title != nil {
		if sess, err = s.store.Rename(id, *req.Title); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Group != nil {
		if sess, err = s.store.SetGroup(id, *req.Group); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionArchive(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Archive(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleArchiveList(w http.ResponseWriter, _ *http.Request) {
	archives, err := s.store.ListArchives()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": archives})
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	archive, err := s.store.GetArchive(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

func (s *Server) handleArchiveDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteArchive(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	md, err := s.store.ExportMarkdown(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(md))
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExportAll(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.store.ExportAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode     string              `json:"mode"`
		Sessions []chattypes.Session `json:"sessions"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.ImportAll(req.Sessions, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCompact(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.Compact()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAutoTitle(w http.ResponseWriter, r *http.Request) {
	loaded, client, ok := s.reg.Loaded()
	if !ok {
		writeError(w, orchestrator.ErrNoModel)
		return
	}

	id := r.PathValue("id")
	sess, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var firstUser string
	for _, msg := range sess.Messages {
		if msg.Role == chattypes.RoleUser {
			firstUser = msg.Content
			break
		}
	}
	if firstUser == "" {
		writeError(w, fmt.Errorf("session has no user message: %w", store.ErrValidation))
		return
	}

	title := orchestrator.GenerateTitle(r.Context(), client, loaded.ModelID, firstUser)
	if title == "" {
		writeError(w, fmt.Errorf("could not derive a title: %w", store.ErrValidation))
		return
	}
	if _, err := s.store.Rename(id, title); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string                `json:"session_id"`
		Message    string                `json:"message"`
		SystemText string                `json:"system_text"`
		Params     map[string]any        `json:"params"`
		ThinkMode  string                `json:"think_mode"`
		ShowTrace  bool                  `json:"show_trace"`
		Images     []string              `json:"images"`
		ImageName  string                `json:"image_name"`
		Files      []extract.FilePayload `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.orch.StreamTurn(r.Context(), orchestrator.TurnRequest{
		SessionID:  req.SessionID,
		UserText:   req.Message,
		SystemText: req.SystemText,
		Params:     req.Params,
		ThinkMode:  req.ThinkMode,
		ShowTrace:  req.ShowTrace,
		Images:     req.Images,
		ImageName:  req.ImageName,
		Files:      req.Files,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	streamSSE(w, events)
}

func (s *Server) handleRegenerateStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string         `json:"session_id"`
		RetryMode  string         `json:"retry_mode"`
		SystemText string         `json:"system_text"`
		Params     map[string]any `json:"params"`
		ThinkMode  string         `json:"think_mode"`
		ShowTrace  bool           `json:"show_trace"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.orch.RegenerateTurn(r.Context(), orchestrator.RegenerateRequest{
		SessionID:  req.SessionID,
		RetryMode:  req.RetryMode,
		SystemText: req.SystemText,
		Params:     req.Params,
		ThinkMode:  req.ThinkMode,
		ShowTrace:  req.ShowTrace,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	streamSSE(w, events)
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RequestID == "" {
		writeError(w, fmt.Errorf("request_id is required: %w", store.ErrValidation))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.reg.CancelStream(req.RequestID)})
}

func (s *Server) handleFilesInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []extract.FilePayload `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := extract.Extract(req.Files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_extract": result.Meta,
		"markers":      result.Markers,
	})
}
