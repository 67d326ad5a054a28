package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"inkwell/api/internal/authpw"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/project"
	"inkwell/api/internal/rbac"
)

const maxBodyBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Collector
	logger     *zap.Logger
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, corsOrigin string, collector *metrics.Collector) *HTTPServer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    collector,
		logger:     service.logger.Named("http"),
		validate:   v,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(s.corsOrigin),
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:         300,
	}))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Head("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signin", s.handleSignIn)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Get("/session", s.handleSession)
			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.handleCreateProject)
			r.Route("/projects/{projectID}", s.projectRoutes)
			r.Get("/search", s.handleSearch)

			r.Route("/ai", func(r chi.Router) {
				r.Post("/extract", s.handleAIExtract)
				r.Post("/consistency", s.handleAIConsistency)
				r.Post("/chat", s.handleAIChat)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, domainError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil))
	})
	return r
}

func (s *HTTPServer) projectRoutes(r chi.Router) {
	read := s.allow(rbac.ActionRead)
	write := s.allow(rbac.ActionWrite)
	manage := s.allow(rbac.ActionManage)

	r.With(read).Get("/", s.handleGetProject)
	r.With(manage).Patch("/", s.handleUpdateProject)
	r.With(manage).Delete("/", s.handleDeleteProject)
	r.With(manage).Put("/members", s.handleShareProject)
	r.With(read).Get("/status", s.handleProjectStatus)

	r.Route("/files", s.treeRoutes(project.TreeFiles))
	r.Route("/mindmap", s.treeRoutes(project.TreeMindMap))

	r.Route("/characters", func(r chi.Router) {
		r.With(read).Get("/", s.handleListCharacters)
		r.With(write).Post("/", s.handleSaveCharacter)
		r.With(write).Put("/{entityID}", s.handleSaveCharacter)
		r.With(write).Delete("/{entityID}", s.handleDeleteCharacter)
	})
	r.Route("/episodes", func(r chi.Router) {
		r.With(read).Get("/", s.handleListEpisodes)
		r.With(write).Post("/", s.handleSaveEpisode)
		r.With(write).Put("/{entityID}", s.handleSaveEpisode)
		r.With(write).Delete("/{entityID}", s.handleDeleteEpisode)
	})
	r.Route("/scenes", func(r chi.Router) {
		r.With(read).Get("/", s.handleListScenes)
		r.With(write).Post("/", s.handleSaveScene)
		r.With(write).Put("/{entityID}", s.handleSaveScene)
		r.With(write).Delete("/{entityID}", s.handleDeleteScene)
	})
	r.Route("/todos", func(r chi.Router) {
		r.With(read).Get("/", s.handleListTodos)
		r.With(write).Post("/", s.handleSaveTodo)
		r.With(write).Put("/{entityID}", s.handleSaveTodo)
		r.With(write).Delete("/{entityID}", s.handleDeleteTodo)
	})

	r.Route("/versions", func(r chi.Router) {
		r.With(read).Get("/", s.handleListVersions)
		r.With(write).Post("/", s.handleSaveVersion)
		r.With(write).Post("/{hash}/restore", s.handleRestoreVersion)
		r.With(write).Post("/{hash}/tags", s.handleTagVersion)
	})
	r.With(read).Get("/export", s.handleExport)
}

func (s *HTTPServer) treeRoutes(which project.Tree) func(chi.Router) {
	return func(r chi.Router) {
		r.With(s.allow(rbac.ActionRead)).Get("/", s.handleGetTree(which))
		r.With(s.allow(rbac.ActionWrite)).Post("/", s.handleInsertElement(which))
		r.With(s.allow(rbac.ActionWrite)).Patch("/{elementID}", s.handleUpdateElement(which))
		r.With(s.allow(rbac.ActionWrite)).Delete("/{elementID}", s.handleDeleteElement(which))
	}
}

// Middleware

type sessionKey struct{}
type roleKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func roleFrom(ctx context.Context) rbac.Role {
	role, _ := ctx.Value(roleKey{}).(rbac.Role)
	return role
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, errUnauthorized)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeError(w, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// allow checks the caller's project role for action before the handler runs.
func (s *HTTPServer) allow(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionFrom(r.Context())
			projectID := chi.URLParam(r, "projectID")
			role, err := s.service.Authorize(r.Context(), session, projectID, action)
			if err != nil {
				if errors.Is(err, errForbidden) {
					s.logger.Info("access denied",
						zap.String("user", session.UserID),
						zap.String("project", projectID),
						zap.String("role", string(role)),
						zap.String("action", string(action)))
				}
				s.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
		})
	}
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("Cache-Control", "no-store")
		if id := middleware.GetReqID(r.Context()); id != "" {
			ww.Header().Set("X-Request-ID", id)
		}

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		took := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, route, ww.Status(), took)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", took),
		)
	})
}

// fail writes err as the error envelope and logs anything that maps to a
// server error.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	if mapped.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, mapped)
}

// decode reads a JSON body into target and runs struct validation on it.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(w, r, target); err != nil {
		writeError(w, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]map[string]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, map[string]string{"field": fe.Field(), "rule": fe.Tag(), "param": fe.Param()})
			}
			writeError(w, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationMessage(verrs[0]), fields))
			return false
		}
		writeError(w, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, e *DomainError) {
	body := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	writeJSON(w, e.Status, map[string]any{"error": body})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitOrigins(value string) []string {
	var origins []string
	for _, o := range strings.Split(value, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// Health and auth

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Readiness(ctx)
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignUpRequest
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignInRequest
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(w, r, &body)
	if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
		s.logger.Warn("logout revoke failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
		"expiresAt":     session.ExpiresAt,
	})
}
