// Package gitrepo keeps a version history of each project's manuscript and
// mind map in its own git repository.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	manuscriptFile = "manuscript.json"
	mindMapFile    = "mindmap.json"
	mainBranch     = "main"
)

var (
	ErrNoChanges     = errors.New("no changes since the last version")
	ErrNoHistory     = errors.New("project has no saved versions")
	ErrInvalidTag    = errors.New("invalid version name")
	ErrUnknownCommit = errors.New("unknown version")
)

// Content is what a version stores: both forests as serialised JSON.
type Content struct {
	Files   json.RawMessage `json:"files"`
	MindMap json.RawMessage `json:"mindMap"`
}

// Version describes one commit.
type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Save commits content as a new version, creating the repository on first
// use. Identical content yields ErrNoChanges.
func (s *Service) Save(projectID string, content Content, author, message string) (Version, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Version{}, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Version{}, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readContent(commitObj)
		if err != nil {
			return Version{}, err
		}
		if !HasChanges(current, content) {
			return Version{}, ErrNoChanges
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Version{}, fmt.Errorf("resolve head: %w", err)
	}

	hash, err := commit(repo, content, author, message)
	if err != nil {
		return Version{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj, nil), nil
}

// History lists versions newest first. A project that was never versioned
// has an empty history.
func (s *Service) History(projectID string, limit int) ([]Version, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj, tags[commitObj.Hash]))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentByHash returns the content stored at a version. hash may be an
// abbreviated hash or a tag name.
func (s *Service) ContentByHash(projectID, hash string) (Content, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Content{}, ErrNoHistory
	}
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %s", ErrUnknownCommit, hash)
	}
	return readContent(commitObj)
}

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// Tag names a version. Re-tagging with an existing name is a no-op.
func (s *Service) Tag(projectID, hash, name, author string) error {
	if !tagPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, name)
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return ErrNoHistory
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
		Tagger:  signature(author),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Remove deletes the project's repository.
func (s *Service) Remove(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(projectID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, filepath.Base(projectID))
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	path := s.repoPath(projectID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// Commits land on main from the first one.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	files := []struct {
		name string
		data json.RawMessage
	}{
		{manuscriptFile, content.Files},
		{mindMapFile, content.MindMap},
	}
	for _, f := range files {
		payload, err := indent(f.data)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("format %s: %w", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(root, f.name), payload, 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", f.name, err)
		}
		if _, err := worktree.Add(f.name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", f.name, err)
		}
	}

	if message == "" {
		message = "Save version"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "Inkwell"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.inkwell.app", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readContent(commitObj *object.Commit) (Content, error) {
	var content Content
	for _, f := range []struct {
		name string
		dst  *json.RawMessage
	}{
		{manuscriptFile, &content.Files},
		{mindMapFile, &content.MindMap},
	} {
		file, err := commitObj.File(f.name)
		if err != nil {
			return Content{}, fmt.Errorf("load %s from commit: %w", f.name, err)
		}
		raw, err := file.Contents()
		if err != nil {
			return Content{}, fmt.Errorf("read %s: %w", f.name, err)
		}
		*f.dst = json.RawMessage(bytes.TrimSpace([]byte(raw)))
	}
	return content, nil
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if tagObj, err := repo.TagObject(target); err == nil {
			target = tagObj.Target
		}
		out[target] = append(out[target], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return out, nil
}

// HasChanges compares two contents ignoring JSON formatting.
func HasChanges(from, to Content) bool {
	return !bytes.Equal(normalize(from.Files), normalize(to.Files)) ||
		!bytes.Equal(normalize(from.MindMap), normalize(to.MindMap))
}

// ChangedParts names the parts of to that differ from from.
func ChangedParts(from, to Content) []string {
	parts := make([]string, 0, 2)
	if !bytes.Equal(normalize(from.Files), normalize(to.Files)) {
		parts = append(parts, "files")
	}
	if !bytes.Equal(normalize(from.MindMap), normalize(to.MindMap)) {
		parts = append(parts, "mindMap")
	}
	return parts
}

func toVersion(commitObj *object.Commit, tags []string) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Tags:      tags,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// normalize re-encodes raw JSON so formatting differences compare equal.
// Empty input is treated as an empty array.
func normalize(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("[]")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return out
}

func indent(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, normalize(raw), "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrUnknownCommit, hash)
	}
	return *resolved, nil
}
