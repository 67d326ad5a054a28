package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/export"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store cache header, got %q", got)
	}
}

func TestReadyReportsOptionalFailuresWithoutFailing(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = []ReadinessCheck{
			{Name: "redis", Required: false, Check: func(context.Context) error { return errors.New("connection refused") }},
		}
	})
	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rr.Code, rr.Body.String())
	}
	var body struct {
		OK     bool                      `json:"ok"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decodeInto(t, rr, &body)
	if !body.OK {
		t.Fatal("expected ok=true")
	}
	if body.Checks["redis"]["status"] != "error" {
		t.Fatalf("expected redis error entry, got %v", body.Checks["redis"])
	}
	if body.Checks["ai"]["status"] != "disabled" {
		t.Fatalf("expected ai disabled, got %v", body.Checks["ai"])
	}
}

func TestReadyFailsOnRequiredCheck(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = []ReadinessCheck{
			{Name: "outbox", Required: true, Check: func(context.Context) error { return errors.New("disk full") }},
		}
	})
	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	session := env.signUp(t, "Ada@Example.com", "Ada")
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", session)
	}

	rr := env.do(t, http.MethodGet, "/api/session", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", rr.Code)
	}
	var who struct {
		UserName string `json:"userName"`
		Email    string `json:"email"`
	}
	decodeInto(t, rr, &who)
	if who.UserName != "Ada" || who.Email != "ada@example.com" {
		t.Fatalf("unexpected session body %+v", who)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "wrong password"})
	if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "ada@example.com", "password": "another pass", "displayName": "Ada 2",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d body %s", rr.Code, rr.Body.String())
	}
	var rotated Session
	decodeInto(t, rr, &rotated)
	if rotated.RefreshToken == session.RefreshToken || rotated.UserName != "Ada" {
		t.Fatalf("expected rotated refresh token with name, got %+v", rotated)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]string{"refreshToken": rotated.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": rotated.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/session", "/api/projects", "/api/search?q=x"} {
		rr := env.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	rr := env.do(t, http.MethodGet, "/api/projects", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestSignUpValidation(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "not-an-email", "password": "short"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body struct {
		Error struct {
			Code    string              `json:"code"`
			Details []map[string]string `json:"details"`
		} `json:"error"`
	}
	decodeInto(t, rr, &body)
	if body.Error.Code != "VALIDATION_ERROR" || len(body.Error.Details) != 3 {
		t.Fatalf("expected three field errors, got %+v", body.Error)
	}
	fields := map[string]bool{}
	for _, d := range body.Error.Details {
		fields[d["field"]] = true
	}
	for _, want := range []string{"email", "password", "displayName"} {
		if !fields[want] {
			t.Fatalf("missing field error for %s in %+v", want, body.Error.Details)
		}
	}

	rr = env.do(t, http.MethodPost, "/api/auth/signin", "", nil)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY for empty body, got %d", rr.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "The Long Night")

	rr := env.do(t, http.MethodGet, "/api/projects", s.Token, nil)
	var list struct {
		Projects []store.Project `json:"projects"`
	}
	decodeInto(t, rr, &list)
	if len(list.Projects) != 1 || list.Projects[0].ID != id {
		t.Fatalf("unexpected project list %+v", list.Projects)
	}

	rr = env.do(t, http.MethodPatch, "/api/projects/"+id, s.Token, map[string]string{"title": "The Longer Night", "genre": "noir"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/projects/"+id, s.Token, nil)
	var got struct {
		Project struct {
			Title string `json:"title"`
			Genre string `json:"genre"`
		} `json:"project"`
		Role string `json:"role"`
	}
	decodeInto(t, rr, &got)
	if got.Project.Title != "The Longer Night" || got.Project.Genre != "noir" || got.Role != "owner" {
		t.Fatalf("unexpected project %+v", got)
	}

	rr = env.do(t, http.MethodGet, "/api/projects/"+id+"/status", s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/api/projects/"+id, s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/projects/"+id, s.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestTreeOperations(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "Atlas")
	base := "/api/projects/" + id + "/files"

	insert := func(parentID, name, kind string) string {
		t.Helper()
		rr := env.do(t, http.MethodPost, base, s.Token, map[string]string{"parentId": parentID, "name": name, "type": kind})
		if rr.Code != http.StatusCreated {
			t.Fatalf("insert %s: status %d body %s", name, rr.Code, rr.Body.String())
		}
		var body struct {
			Outcome string `json:"outcome"`
			Element struct {
				ID string `json:"id"`
			} `json:"element"`
		}
		decodeInto(t, rr, &body)
		if body.Outcome != "ok" {
			t.Fatalf("expected ok outcome, got %q", body.Outcome)
		}
		return body.Element.ID
	}

	part := insert("", "Part One", "folder")
	chapter := insert(part, "Chapter 1", "file")

	rr := env.do(t, http.MethodPost, base, s.Token, map[string]string{"parentId": chapter, "name": "Nested", "type": "file"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("insert under a file: expected 409, got %d", rr.Code)
	}
	var mismatch struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	decodeInto(t, rr, &mismatch)
	if mismatch.Error.Code != "TYPE_MISMATCH" || mismatch.Error.Details["outcome"] != "type_mismatch" {
		t.Fatalf("unexpected mismatch error %+v", mismatch.Error)
	}

	rr = env.do(t, http.MethodPatch, base+"/"+chapter, s.Token, map[string]string{"name": "Chapter One", "content": "It was dark."})
	if rr.Code != http.StatusOK {
		t.Fatalf("update element: expected 200, got %d body %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPatch, base+"/"+part, s.Token, map[string]string{"content": "folders hold no text"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("content on folder: expected 409, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPatch, base+"/"+part, s.Token, map[string]string{"name": "Renamed", "content": "x"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("rename with content on folder: expected 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPatch, base+"/"+chapter, s.Token, map[string]string{})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty update: expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, base, s.Token, nil)
	var forest struct {
		Elements []struct {
			Name     string `json:"name"`
			Children []struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			} `json:"children"`
		} `json:"elements"`
	}
	decodeInto(t, rr, &forest)
	if len(forest.Elements) != 1 || len(forest.Elements[0].Children) != 1 {
		t.Fatalf("unexpected forest %+v", forest)
	}
	if forest.Elements[0].Name != "Part One" {
		t.Fatalf("failed update renamed the folder to %q", forest.Elements[0].Name)
	}
	if c := forest.Elements[0].Children[0]; c.Name != "Chapter One" || c.Content != "It was dark." {
		t.Fatalf("unexpected chapter %+v", c)
	}

	// The chapter is not a root, so deleting it without its parent misses.
	for _, suffix := range []string{"", "?parentId="} {
		rr = env.do(t, http.MethodDelete, base+"/"+chapter+suffix, s.Token, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("root-level delete %q: expected 404, got %d", suffix, rr.Code)
		}
	}
	rr = env.do(t, http.MethodDelete, base+"/"+chapter+"?parentId="+part, s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("scoped delete: expected 200, got %d body %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodDelete, base+"/"+part, s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("root delete: expected 200, got %d", rr.Code)
	}

	mind := "/api/projects/" + id + "/mindmap"
	rr = env.do(t, http.MethodPost, mind, s.Token, map[string]string{"name": "Themes", "type": "folder"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("mind map insert: expected 201, got %d", rr.Code)
	}
	if files := env.store.ManuscriptFiles(id); len(files) != 0 {
		t.Fatalf("mind map nodes must not become manuscript files, got %+v", files)
	}
}

func TestEntityRoutes(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "Atlas")
	base := "/api/projects/" + id

	rr := env.do(t, http.MethodPost, base+"/characters", s.Token, map[string]any{"name": "Mara", "role": "lead"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create character: %d %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Character store.Character `json:"character"`
	}
	decodeInto(t, rr, &created)

	rr = env.do(t, http.MethodPut, base+"/characters/"+created.Character.ID, s.Token, map[string]any{"name": "Mara Vell", "role": "lead"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update character: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, base+"/scenes", s.Token, map[string]any{
		"title": "Arrival", "characterIds": []string{created.Character.ID},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create scene: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, base+"/scenes", s.Token, map[string]any{
		"title": "Ghost", "characterIds": []string{"chr_missing"},
	})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "INVALID_REFERENCE" {
		t.Fatalf("scene with unknown character: expected INVALID_REFERENCE, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, base+"/todos", s.Token, map[string]any{"text": "Outline act two"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create todo: %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, base+"/episodes", s.Token, map[string]any{"title": "Pilot", "status": "unknown"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("episode with bad status: expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, base+"/characters", s.Token, nil)
	var chars struct {
		Characters []store.Character `json:"characters"`
	}
	decodeInto(t, rr, &chars)
	if len(chars.Characters) != 1 || chars.Characters[0].Name != "Mara Vell" {
		t.Fatalf("unexpected characters %+v", chars.Characters)
	}

	rr = env.do(t, http.MethodGet, base+"/episodes", s.Token, nil)
	if !strings.Contains(rr.Body.String(), `"episodes":[]`) {
		t.Fatalf("expected empty episode array, got %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodDelete, base+"/characters/"+created.Character.ID, s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete character: %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, base+"/characters/"+created.Character.ID, s.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signUp(t, "owner@example.com", "Owner")
	viewer := env.signUp(t, "viewer@example.com", "Viewer")
	stranger := env.signUp(t, "stranger@example.com", "Stranger")
	id := env.createProject(t, owner.Token, "Shared")
	base := "/api/projects/" + id

	rr := env.do(t, http.MethodPut, base+"/members", owner.Token, map[string]string{"email": "viewer@example.com", "role": "viewer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("share: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPut, base+"/members", owner.Token, map[string]string{"email": "nobody@example.com", "role": "editor"})
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "USER_NOT_FOUND" {
		t.Fatalf("share with unknown user: expected USER_NOT_FOUND, got %d", rr.Code)
	}

	if rr = env.do(t, http.MethodGet, base+"/files", viewer.Token, nil); rr.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, base+"/files", viewer.Token, map[string]string{"name": "x", "type": "file"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer write: expected 403, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodDelete, base, viewer.Token, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer delete: expected 403, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodGet, base, stranger.Token, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("non-member: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, base+"/members", owner.Token, map[string]string{"email": "viewer@example.com", "role": "editor"})
	if rr.Code != http.StatusOK {
		t.Fatalf("promote: %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, base+"/files", viewer.Token, map[string]string{"name": "x", "type": "file"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("editor write: expected 201, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPatch, base, viewer.Token, map[string]string{"title": "Mine now"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("editor rename project: expected 403, got %d", rr.Code)
	}
}

func TestShareSendsInvite(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	env := newTestEnv(t, func(d *Deps) { d.Notifier = notifier })
	owner := env.signUp(t, "owner@example.com", "Owner")
	env.signUp(t, "guest@example.com", "Guest")
	id := env.createProject(t, owner.Token, "Shared Draft")

	rr := env.do(t, http.MethodPut, "/api/projects/"+id+"/members", owner.Token, map[string]string{"email": "guest@example.com", "role": "editor"})
	if rr.Code != http.StatusOK {
		t.Fatalf("share must succeed even when the invite fails, got %d", rr.Code)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected one invite, got %d", len(notifier.sent))
	}
	invite := notifier.sent[0]
	if invite.To != "guest@example.com" || invite.InviterName != "Owner" || invite.ProjectTitle != "Shared Draft" || invite.Role != "editor" {
		t.Fatalf("unexpected invite %+v", invite)
	}

	rr = env.do(t, http.MethodPut, "/api/projects/"+id+"/members", owner.Token, map[string]string{"email": "owner@example.com", "role": "owner"})
	if rr.Code != http.StatusOK || len(notifier.sent) != 1 {
		t.Fatalf("sharing with yourself must not send an invite, got %d invites", len(notifier.sent))
	}
}

func TestVersionRoutes(t *testing.T) {
	versions := &fakeVersions{}
	env := newTestEnv(t, func(d *Deps) { d.Versions = versions })
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "Atlas")
	base := "/api/projects/" + id + "/versions"

	var saved gitrepo.Content
	versions.saveFn = func(projectID string, content gitrepo.Content, author, message string) (gitrepo.Version, error) {
		saved = content
		return gitrepo.Version{Hash: "h1", Message: message, Author: author}, nil
	}
	rr := env.do(t, http.MethodPost, base, s.Token, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("save version: %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Version gitrepo.Version `json:"version"`
	}
	decodeInto(t, rr, &out)
	if out.Version.Message != "Saved version" || out.Version.Author != "Writer" {
		t.Fatalf("unexpected version %+v", out.Version)
	}
	if string(saved.Files) != "[]" {
		t.Fatalf("expected empty files snapshot, got %s", saved.Files)
	}

	versions.saveFn = func(string, gitrepo.Content, string, string) (gitrepo.Version, error) {
		return gitrepo.Version{}, gitrepo.ErrNoChanges
	}
	rr = env.do(t, http.MethodPost, base, s.Token, map[string]string{"message": "again"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "NO_CHANGES" {
		t.Fatalf("unchanged save: expected NO_CHANGES, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, base, s.Token, nil)
	if !strings.Contains(rr.Body.String(), `"versions":[]`) {
		t.Fatalf("expected empty versions array, got %s", rr.Body.String())
	}

	versions.contentFn = func(projectID, hash string) (gitrepo.Content, error) {
		if hash != "h1" {
			return gitrepo.Content{}, gitrepo.ErrUnknownCommit
		}
		return gitrepo.Content{
			Files:   json.RawMessage(`[{"id":"f1","type":"file","name":"Prologue","content":"Once."}]`),
			MindMap: json.RawMessage(`[]`),
		}, nil
	}
	rr = env.do(t, http.MethodPost, base+"/h1/restore", s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rr.Code, rr.Body.String())
	}
	if files := env.store.ManuscriptFiles(id); len(files) != 1 || files[0].Name != "Prologue" {
		t.Fatalf("expected restored manuscript, got %+v", files)
	}
	rr = env.do(t, http.MethodPost, base+"/nope/restore", s.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown version: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, base+"/h1/tags", s.Token, map[string]string{"name": "draft-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("tag: %d", rr.Code)
	}

	env.do(t, http.MethodDelete, "/api/projects/"+id, s.Token, nil)
	if len(versions.removed) != 1 || versions.removed[0] != id {
		t.Fatalf("expected version history removal, got %v", versions.removed)
	}
}

func TestVersionsDisabled(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "Atlas")
	rr := env.do(t, http.MethodGet, "/api/projects/"+id+"/versions", s.Token, nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "VERSIONS_DISABLED" {
		t.Fatalf("expected VERSIONS_DISABLED, got %d", rr.Code)
	}
}

func TestExportRoute(t *testing.T) {
	var seen export.Request
	exporter := &fakeExporter{exportFn: func(_ context.Context, req export.Request) (*export.Result, error) {
		seen = req
		if req.Format == export.FormatPDF {
			return nil, export.ErrPDFDependencyMissing
		}
		return &export.Result{Data: []byte("# Atlas\n"), Filename: "Atlas.md", MimeType: "text/markdown; charset=utf-8"}, nil
	}}
	env := newTestEnv(t, func(d *Deps) { d.Exporter = exporter })
	s := env.signUp(t, "writer@example.com", "Writer")
	id := env.createProject(t, s.Token, "Atlas")

	rr := env.do(t, http.MethodGet, "/api/projects/"+id+"/export?format=md&version=v1", s.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="Atlas.md"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if rr.Body.String() != "# Atlas\n" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if seen.Format != export.FormatMarkdown || seen.Version != "v1" || seen.Author != "Writer" || seen.ProjectID != id {
		t.Fatalf("unexpected request %+v", seen)
	}

	rr = env.do(t, http.MethodGet, "/api/projects/"+id+"/export?format=epub", s.Token, nil)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "UNSUPPORTED_FORMAT" {
		t.Fatalf("expected UNSUPPORTED_FORMAT, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/projects/"+id+"/export?format=pdf", s.Token, nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "EXPORT_UNAVAILABLE" {
		t.Fatalf("expected EXPORT_UNAVAILABLE, got %d", rr.Code)
	}
}

func TestSearchScopesToMemberProjects(t *testing.T) {
	var got search.Query
	searcher := &fakeSearch{searchFn: func(_ context.Context, q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{Type: search.ResultCharacter, ID: "chr_1", ProjectID: q.ProjectIDs[0]}}, Total: 1, Query: q.Text}
	}}
	env := newTestEnv(t, func(d *Deps) { d.Search = searcher })
	a := env.signUp(t, "a@example.com", "A")
	b := env.signUp(t, "b@example.com", "B")
	mine := env.createProject(t, a.Token, "Mine")
	env.createProject(t, b.Token, "Theirs")

	rr := env.do(t, http.MethodGet, "/api/search?q=mara&type=character&limit=5", a.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rr.Code, rr.Body.String())
	}
	if len(got.ProjectIDs) != 1 || got.ProjectIDs[0] != mine {
		t.Fatalf("expected search scoped to %s, got %v", mine, got.ProjectIDs)
	}
	if got.Text != "mara" || got.FilterType != search.ResultCharacter || got.Limit != 5 {
		t.Fatalf("unexpected query %+v", got)
	}

	got = search.Query{}
	rr = env.do(t, http.MethodGet, "/api/search?q=mara&projectId=someone-elses", a.Token, nil)
	if rr.Code != http.StatusOK || got.Text != "" {
		t.Fatalf("foreign project filter must not reach the backend, got %+v", got)
	}
	if !strings.Contains(rr.Body.String(), `"results":[]`) {
		t.Fatalf("expected empty results, got %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/search?q=mara&type=planet", a.Token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad filter: expected 400, got %d", rr.Code)
	}
}

func TestAssistantRoutes(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "writer@example.com", "Writer")
	rr := env.do(t, http.MethodPost, "/api/ai/extract", s.Token, map[string]string{"text": "Mara walked in."})
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "AI_DISABLED" {
		t.Fatalf("expected AI_DISABLED, got %d", rr.Code)
	}

	assistant := &fakeAssistant{enabled: true}
	env = newTestEnv(t, func(d *Deps) { d.AI = assistant })
	s = env.signUp(t, "writer@example.com", "Writer")

	rr = env.do(t, http.MethodPost, "/api/ai/extract", s.Token, map[string]string{"text": "Mara walked in."})
	if rr.Code != http.StatusOK || rr.Body.String() != `{"characters":[]}` {
		t.Fatalf("extract: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/api/ai/consistency", s.Token, map[string]string{"text": "x", "context": "y"})
	if rr.Code != http.StatusOK {
		t.Fatalf("consistency: %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/ai/chat", s.Token, map[string]any{"messages": []map[string]string{{"role": "narrator", "content": "hi"}}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("chat with bad role: expected 422, got %d", rr.Code)
	}

	assistant.chatFn = func(context.Context, []ai.Message) (json.RawMessage, error) {
		return nil, &ai.ProviderError{Status: 401, Body: "bad key"}
	}
	rr = env.do(t, http.MethodPost, "/api/ai/chat", s.Token, map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}})
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "AI_PROVIDER_ERROR" {
		t.Fatalf("expected AI_PROVIDER_ERROR, got %d", rr.Code)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/health", "", nil)
	rr := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `inkwell_test_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Fatalf("expected health request counter, got:\n%s", rr.Body.String())
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND envelope, got %d %s", rr.Code, rr.Body.String())
	}
}
