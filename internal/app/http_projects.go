package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"inkwell/api/internal/project"
)

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	rows, err := s.service.projects.List(r.Context(), sessionFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": rows})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body project.CreateInput
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.projects.Create(r.Context(), sessionFrom(r.Context()).UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": p})
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p, "role": roleFrom(r.Context())})
}

func (s *HTTPServer) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var body project.CreateInput
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.projects.UpdateMeta(r.Context(), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleShareProject(w http.ResponseWriter, r *http.Request) {
	var body ShareInput
	if !s.decode(w, r, &body) {
		return
	}
	member, err := s.service.Share(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (s *HTTPServer) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.projects.Status(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Trees

type insertElementBody struct {
	ParentID string `json:"parentId"`
	Name     string `json:"name" validate:"required,max=300"`
	Type     string `json:"type" validate:"required,oneof=file folder"`
}

type updateElementBody struct {
	Name    *string `json:"name" validate:"omitempty,max=300"`
	Content *string `json:"content"`
}

func (s *HTTPServer) handleGetTree(which project.Tree) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.service.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		forest := p.Files
		if which == project.TreeMindMap {
			forest = p.MindMap
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": which, "elements": forest})
	}
}

func (s *HTTPServer) handleInsertElement(which project.Tree) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body insertElementBody
		if !s.decode(w, r, &body) {
			return
		}
		el, err := s.service.projects.InsertElement(r.Context(), chi.URLParam(r, "projectID"), which, body.ParentID, body.Name, body.Type == "folder")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"outcome": project.OutcomeOK, "element": el})
	}
}

// handleUpdateElement applies a rename, a content change, or both. Both
// fields absent is a validation error.
func (s *HTTPServer) handleUpdateElement(which project.Tree) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body updateElementBody
		if !s.decode(w, r, &body) {
			return
		}
		if body.Name == nil && body.Content == nil {
			writeError(w, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name or content is required", nil))
			return
		}
		el, err := s.service.projects.UpdateElement(r.Context(), chi.URLParam(r, "projectID"), which, chi.URLParam(r, "elementID"), body.Name, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcome": project.OutcomeOK, "element": el})
	}
}

// handleDeleteElement removes the element only when it is a direct child of
// the parentId query parameter. No parentId means the root level.
func (s *HTTPServer) handleDeleteElement(which project.Tree) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parentID := r.URL.Query().Get("parentId")
		err := s.service.projects.DeleteElement(r.Context(), chi.URLParam(r, "projectID"), which, chi.URLParam(r, "elementID"), &parentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcome": project.OutcomeOK})
	}
}

// Entities

func (s *HTTPServer) loadProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, err := s.service.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return p, true
}

func (s *HTTPServer) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.loadProject(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"characters": nonNil(p.Characters)})
	}
}

func (s *HTTPServer) handleSaveCharacter(w http.ResponseWriter, r *http.Request) {
	var body project.CharacterInput
	if !s.decode(w, r, &body) {
		return
	}
	c, err := s.service.projects.SaveCharacter(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, savedStatus(r), map[string]any{"character": c})
}

func (s *HTTPServer) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	s.deleted(w, r, s.service.projects.DeleteCharacter(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID")))
}

func (s *HTTPServer) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.loadProject(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"episodes": nonNil(p.Episodes)})
	}
}

func (s *HTTPServer) handleSaveEpisode(w http.ResponseWriter, r *http.Request) {
	var body project.EpisodeInput
	if !s.decode(w, r, &body) {
		return
	}
	e, err := s.service.projects.SaveEpisode(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, savedStatus(r), map[string]any{"episode": e})
}

func (s *HTTPServer) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	s.deleted(w, r, s.service.projects.DeleteEpisode(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID")))
}

func (s *HTTPServer) handleListScenes(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.loadProject(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"scenes": nonNil(p.Scenes)})
	}
}

func (s *HTTPServer) handleSaveScene(w http.ResponseWriter, r *http.Request) {
	var body project.SceneInput
	if !s.decode(w, r, &body) {
		return
	}
	sc, err := s.service.projects.SaveScene(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, savedStatus(r), map[string]any{"scene": sc})
}

func (s *HTTPServer) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	s.deleted(w, r, s.service.projects.DeleteScene(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID")))
}

func (s *HTTPServer) handleListTodos(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.loadProject(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"todos": nonNil(p.Todos)})
	}
}

func (s *HTTPServer) handleSaveTodo(w http.ResponseWriter, r *http.Request) {
	var body project.TodoInput
	if !s.decode(w, r, &body) {
		return
	}
	td, err := s.service.projects.SaveTodo(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, savedStatus(r), map[string]any{"todo": td})
}

func (s *HTTPServer) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	s.deleted(w, r, s.service.projects.DeleteTodo(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "entityID")))
}

func (s *HTTPServer) deleted(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func savedStatus(r *http.Request) int {
	if r.Method == http.MethodPost {
		return http.StatusCreated
	}
	return http.StatusOK
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
