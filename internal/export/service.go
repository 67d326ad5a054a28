package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/project"
	"inkwell/api/internal/tree"
)

// ProjectSource loads the current project.
type ProjectSource interface {
	Get(ctx context.Context, projectID string) (*project.Project, error)
}

// VersionSource loads a saved version of the manuscript.
type VersionSource interface {
	ContentByHash(projectID, hash string) (gitrepo.Content, error)
}

// Service provides manuscript export functionality
type Service struct {
	projects ProjectSource
	versions VersionSource
	logger   *zap.Logger
	pdf      func(ctx context.Context, html, title string) (*Result, error)
	docx     func(ctx context.Context, html, title string) (*Result, error)
}

// NewService creates a new export service. versions may be nil, which
// limits exports to the current manuscript.
func NewService(projects ProjectSource, versions VersionSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		projects: projects,
		versions: versions,
		logger:   logger.Named("export"),
		pdf:      exportPDF,
		docx:     exportDOCX,
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	p, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	files := p.Files
	if req.Version != "" {
		if s.versions == nil {
			return nil, fmt.Errorf("%w: versions are not enabled", ErrContentUnavailable)
		}
		content, err := s.versions.ContentByHash(req.ProjectID, req.Version)
		if err != nil {
			return nil, errors.Join(ErrContentUnavailable, err)
		}
		files = tree.New()
		if err := json.Unmarshal(content.Files, files); err != nil {
			return nil, fmt.Errorf("%w: decode version %s: %v", ErrContentUnavailable, req.Version, err)
		}
	}

	data := TemplateData{
		Title:     p.Title,
		Genre:     p.Genre,
		Logline:   p.Logline,
		Author:    req.Author,
		Version:   req.Version,
		UpdatedAt: p.UpdatedAt,
		Sections:  Sections(files),
	}
	if data.UpdatedAt.IsZero() {
		data.UpdatedAt = time.Now()
	}

	started := time.Now()
	defer func() {
		s.logger.Debug("export rendered",
			zap.String("project", req.ProjectID),
			zap.String("format", string(req.Format)),
			zap.Duration("took", time.Since(started)))
	}()

	if req.Format == FormatMarkdown {
		return &Result{
			Data:     []byte(RenderMarkdown(data)),
			Filename: sanitizeFilename(p.Title) + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	html, err := RenderManuscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(p.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, p.Title)
	case FormatDOCX:
		return s.docx(ctx, html, p.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
