package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/export"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/project"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type fakeVersions struct {
	saveFn    func(projectID string, content gitrepo.Content, author, message string) (gitrepo.Version, error)
	historyFn func(projectID string, limit int) ([]gitrepo.Version, error)
	contentFn func(projectID, hash string) (gitrepo.Content, error)
	tagFn     func(projectID, hash, name, author string) error
	removed   []string
}

func (f *fakeVersions) Save(projectID string, content gitrepo.Content, author, message string) (gitrepo.Version, error) {
	if f.saveFn != nil {
		return f.saveFn(projectID, content, author, message)
	}
	return gitrepo.Version{Hash: "abc123", Message: message, Author: author}, nil
}

func (f *fakeVersions) History(projectID string, limit int) ([]gitrepo.Version, error) {
	if f.historyFn != nil {
		return f.historyFn(projectID, limit)
	}
	return nil, nil
}

func (f *fakeVersions) ContentByHash(projectID, hash string) (gitrepo.Content, error) {
	if f.contentFn != nil {
		return f.contentFn(projectID, hash)
	}
	return gitrepo.Content{}, gitrepo.ErrUnknownCommit
}

func (f *fakeVersions) Tag(projectID, hash, name, author string) error {
	if f.tagFn != nil {
		return f.tagFn(projectID, hash, name, author)
	}
	return nil
}

func (f *fakeVersions) Remove(projectID string) error {
	f.removed = append(f.removed, projectID)
	return nil
}

type fakeExporter struct {
	exportFn func(ctx context.Context, req export.Request) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	return f.exportFn(ctx, req)
}

type fakeSearch struct {
	searchFn func(ctx context.Context, q search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	return f.searchFn(ctx, q)
}

type fakeAssistant struct {
	enabled bool
	chatFn  func(ctx context.Context, messages []ai.Message) (json.RawMessage, error)
}

func (f *fakeAssistant) Enabled() bool { return f.enabled }

func (f *fakeAssistant) Extract(_ context.Context, text string) (json.RawMessage, error) {
	return json.RawMessage(`{"characters":[]}`), nil
}

func (f *fakeAssistant) CheckConsistency(_ context.Context, text, storyContext string) (json.RawMessage, error) {
	return json.RawMessage(`{"issues":[]}`), nil
}

func (f *fakeAssistant) Chat(ctx context.Context, messages []ai.Message) (json.RawMessage, error) {
	if f.chatFn != nil {
		return f.chatFn(ctx, messages)
	}
	return json.RawMessage(`{"reply":"ok"}`), nil
}

type fakeNotifier struct {
	sent []email.ShareInvite
	err  error
}

func (f *fakeNotifier) Configured() bool { return true }

func (f *fakeNotifier) SendShareInvite(_ context.Context, invite email.ShareInvite) error {
	f.sent = append(f.sent, invite)
	return f.err
}

type testEnv struct {
	store   *store.MemoryStore
	service *Service
	handler http.Handler
	metrics *metrics.Collector
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	deps := Deps{
		Accounts:  mem,
		Refresh:   mem,
		Passwords: authpw.NewService(mem, bcrypt.MinCost),
		Projects:  project.NewWorkspace(mem),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	svc := NewService(cfg, deps)
	collector := metrics.New("inkwell_test")
	return &testEnv{
		store:   mem,
		service: svc,
		handler: NewHTTPServer(svc, "*", collector).Handler(),
		metrics: collector,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// signUp registers a user and returns their session.
func (e *testEnv) signUp(t *testing.T, email, name string) Session {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": email, "password": "correct horse", "displayName": name,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	var session Session
	decodeInto(t, rr, &session)
	return session
}

func (e *testEnv) createProject(t *testing.T, token, title string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/projects", token, map[string]string{"title": title})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	}
	decodeInto(t, rr, &body)
	return body.Project.ID
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, rr, &body)
	return body.Error.Code
}
