package app

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/export"
	"inkwell/api/internal/search"
)

// Versions

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	versions, err := s.service.ListVersions(chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type saveVersionBody struct {
	Message string `json:"message" validate:"max=500"`
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	var body saveVersionBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	version, err := s.service.SaveVersion(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"), body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": version})
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.RestoreVersion(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

type tagVersionBody struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *HTTPServer) handleTagVersion(w http.ResponseWriter, r *http.Request) {
	var body tagVersionBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.service.TagVersion(sessionFrom(r.Context()), chi.URLParam(r, "projectID"), chi.URLParam(r, "hash"), body.Name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "name": body.Name})
}

// Export

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Export(r.Context(), sessionFrom(r.Context()), export.Request{
		ProjectID: chi.URLParam(r, "projectID"),
		Version:   r.URL.Query().Get("version"),
		Format:    format,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// Search

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := search.ResultType(query.Get("type"))
	switch filter {
	case "", search.ResultCharacter, search.ResultEpisode, search.ResultManuscript:
	default:
		writeError(w, domainError(http.StatusBadRequest, "INVALID_FILTER", "type must be character, episode or manuscript", nil))
		return
	}
	resp, err := s.service.Search(r.Context(), sessionFrom(r.Context()), search.Query{
		Text:       query.Get("q"),
		FilterType: filter,
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}, query.Get("projectId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Assistant

type extractBody struct {
	Text string `json:"text" validate:"required"`
}

type consistencyBody struct {
	Text    string `json:"text" validate:"required"`
	Context string `json:"context"`
}

type chatBody struct {
	Messages []ai.Message `json:"messages" validate:"required,min=1,dive"`
}

func (s *HTTPServer) handleAIExtract(w http.ResponseWriter, r *http.Request) {
	var body extractBody
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.Extract(r.Context(), body.Text)
	s.assistantReply(w, r, out, err)
}

func (s *HTTPServer) handleAIConsistency(w http.ResponseWriter, r *http.Request) {
	var body consistencyBody
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.CheckConsistency(r.Context(), body.Text, body.Context)
	s.assistantReply(w, r, out, err)
}

func (s *HTTPServer) handleAIChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.Chat(r.Context(), body.Messages)
	s.assistantReply(w, r, out, err)
}

// assistantReply passes the provider's JSON through unchanged.
func (s *HTTPServer) assistantReply(w http.ResponseWriter, r *http.Request, out []byte, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
