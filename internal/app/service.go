package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/export"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/project"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

// Accounts is the slice of the store the HTTP layer reads directly.
type Accounts interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetMemberRole(ctx context.Context, projectID, userID string) (string, error)
	UpsertMember(ctx context.Context, m store.Member) error
	Ping(ctx context.Context) error
}

// RefreshSessions stores hashed refresh tokens. The Redis session store and
// the SQL stores both satisfy it.
type RefreshSessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Versions interface {
	Save(projectID string, content gitrepo.Content, author, message string) (gitrepo.Version, error)
	History(projectID string, limit int) ([]gitrepo.Version, error)
	ContentByHash(projectID, hash string) (gitrepo.Content, error)
	Tag(projectID, hash, name, author string) error
	Remove(projectID string) error
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Assistant interface {
	Enabled() bool
	Extract(ctx context.Context, text string) (json.RawMessage, error)
	CheckConsistency(ctx context.Context, text, storyContext string) (json.RawMessage, error)
	Chat(ctx context.Context, messages []ai.Message) (json.RawMessage, error)
}

// Notifier tells a user they were added to a project.
type Notifier interface {
	Configured() bool
	SendShareInvite(ctx context.Context, invite email.ShareInvite) error
}

// ReadinessCheck is one named dependency probed by /api/ready.
type ReadinessCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

type Deps struct {
	Accounts  Accounts
	Refresh   RefreshSessions
	Passwords *authpw.Service
	Projects  *project.Workspace
	Versions  Versions
	Exporter  Exporter
	Search    Searcher
	AI        Assistant
	Notifier  Notifier
	Checks    []ReadinessCheck
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	accounts  Accounts
	refresh   RefreshSessions
	passwords *authpw.Service
	projects  *project.Workspace
	versions  Versions
	exporter  Exporter
	search    Searcher
	ai        Assistant
	notifier  Notifier
	checks    []ReadinessCheck
	logger    *zap.Logger
}

func NewService(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		accounts:  deps.Accounts,
		refresh:   deps.Refresh,
		passwords: deps.Passwords,
		projects:  deps.Projects,
		versions:  deps.Versions,
		exporter:  deps.Exporter,
		search:    deps.Search,
		ai:        deps.AI,
		notifier:  deps.Notifier,
		checks:    deps.Checks,
		logger:    logger,
	}
}

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrMissingToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	if user.DisplayName == "" {
		if full, err := s.accounts.GetUserByID(ctx, user.ID); err == nil {
			user = full
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Email, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.UserID(),
		UserName:  claims.Name,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the refresh token. Access tokens expire on their own.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// Authorize returns the caller's role on the project, or a 404/403 error.
// Non-members get a 404 so project ids do not leak.
func (s *Service) Authorize(ctx context.Context, session Session, projectID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.accounts.GetMemberRole(ctx, projectID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", project.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	role := rbac.Normalize(raw)
	if !rbac.Can(role, action) {
		return role, errForbidden
	}
	return role, nil
}

// ShareInput grants an existing user a role on a project.
type ShareInput struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=viewer editor owner"`
}

// Share upserts the membership, then emails the user when a notifier is
// configured. A failed email does not undo the grant.
func (s *Service) Share(ctx context.Context, session Session, projectID string, in ShareInput) (store.Member, error) {
	user, err := s.accounts.GetUserByEmail(ctx, in.Email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Member{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user with that email", nil)
	}
	if err != nil {
		return store.Member{}, err
	}
	m := store.Member{ProjectID: projectID, UserID: user.ID, Role: string(rbac.Normalize(in.Role)), CreatedAt: time.Now().UTC()}
	if err := s.accounts.UpsertMember(ctx, m); err != nil {
		return store.Member{}, err
	}

	if s.notifier != nil && s.notifier.Configured() && user.ID != session.UserID {
		invite := email.ShareInvite{
			To:            user.Email,
			RecipientName: user.DisplayName,
			InviterName:   session.UserName,
			ProjectID:     projectID,
			Role:          m.Role,
		}
		if p, err := s.projects.Get(ctx, projectID); err == nil {
			invite.ProjectTitle = p.Title
		}
		if err := s.notifier.SendShareInvite(ctx, invite); err != nil {
			s.logger.Warn("share invite failed", zap.String("project", projectID), zap.Error(err))
		}
	}
	return m, nil
}

// DeleteProject removes the project and its version history.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.projects.Delete(ctx, projectID); err != nil {
		return err
	}
	if s.versions != nil {
		if err := s.versions.Remove(projectID); err != nil {
			s.logger.Warn("remove version history failed", zap.String("project", projectID), zap.Error(err))
		}
	}
	return nil
}

// Versions

func (s *Service) requireVersions() error {
	if s.versions == nil {
		return domainError(http.StatusServiceUnavailable, "VERSIONS_DISABLED", "Version history is not configured", nil)
	}
	return nil
}

func (s *Service) contentOf(ctx context.Context, projectID string) (gitrepo.Content, error) {
	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return gitrepo.Content{}, err
	}
	files, err := json.Marshal(p.Files)
	if err != nil {
		return gitrepo.Content{}, fmt.Errorf("encode files: %w", err)
	}
	mindMap, err := json.Marshal(p.MindMap)
	if err != nil {
		return gitrepo.Content{}, fmt.Errorf("encode mind map: %w", err)
	}
	return gitrepo.Content{Files: files, MindMap: mindMap}, nil
}

func (s *Service) SaveVersion(ctx context.Context, session Session, projectID, message string) (gitrepo.Version, error) {
	if err := s.requireVersions(); err != nil {
		return gitrepo.Version{}, err
	}
	content, err := s.contentOf(ctx, projectID)
	if err != nil {
		return gitrepo.Version{}, err
	}
	if strings.TrimSpace(message) == "" {
		message = "Saved version"
	}
	return s.versions.Save(projectID, content, session.UserName, message)
}

func (s *Service) ListVersions(projectID string, limit int) ([]gitrepo.Version, error) {
	if err := s.requireVersions(); err != nil {
		return nil, err
	}
	versions, err := s.versions.History(projectID, limit)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []gitrepo.Version{}
	}
	return versions, nil
}

// RestoreVersion replaces both forests with the saved ones and records the
// rollback as a new version.
func (s *Service) RestoreVersion(ctx context.Context, session Session, projectID, hash string) (*project.Project, error) {
	if err := s.requireVersions(); err != nil {
		return nil, err
	}
	content, err := s.versions.ContentByHash(projectID, hash)
	if err != nil {
		return nil, err
	}
	p, err := s.projects.Restore(ctx, projectID, content.Files, content.MindMap)
	if err != nil {
		return nil, err
	}
	_, err = s.versions.Save(projectID, content, session.UserName, "Restored version "+hash)
	if err != nil && !errors.Is(err, gitrepo.ErrNoChanges) {
		s.logger.Warn("record restore as version failed", zap.String("project", projectID), zap.Error(err))
	}
	return p, nil
}

func (s *Service) TagVersion(session Session, projectID, hash, name string) error {
	if err := s.requireVersions(); err != nil {
		return err
	}
	return s.versions.Tag(projectID, hash, name, session.UserName)
}

// Search runs the query across every project the caller can read, or only
// projectID when it is one of them.
func (s *Service) Search(ctx context.Context, session Session, q search.Query, projectID string) (search.Response, error) {
	rows, err := s.projects.List(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if projectID == "" || row.ID == projectID {
			ids = append(ids, row.ID)
		}
	}
	q.ProjectIDs = ids
	if len(ids) == 0 || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) requireAI() error {
	if s.ai == nil || !s.ai.Enabled() {
		return ai.ErrDisabled
	}
	return nil
}

// Readiness runs every check and reports whether all required ones passed.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	results := map[string]any{}
	checks := append([]ReadinessCheck{{Name: "database", Required: true, Check: s.accounts.Ping}}, s.checks...)
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			results[c.Name] = map[string]any{"status": "error", "error": err.Error(), "required": c.Required}
			if c.Required {
				ready = false
			}
			continue
		}
		results[c.Name] = map[string]any{"status": "ok"}
	}
	aiStatus := "disabled"
	if s.requireAI() == nil {
		aiStatus = "enabled"
	}
	results["ai"] = map[string]any{"status": aiStatus}
	return ready, results
}

// Assistant proxies

func (s *Service) Extract(ctx context.Context, text string) (json.RawMessage, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	return s.ai.Extract(ctx, text)
}

func (s *Service) CheckConsistency(ctx context.Context, text, storyContext string) (json.RawMessage, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	return s.ai.CheckConsistency(ctx, text, storyContext)
}

func (s *Service) Chat(ctx context.Context, messages []ai.Message) (json.RawMessage, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	return s.ai.Chat(ctx, messages)
}

// Export renders the current manuscript, or a saved version of it.
func (s *Service) Export(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	req.Author = session.UserName
	return s.exporter.Export(ctx, req)
}
