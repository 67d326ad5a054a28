// Package export renders a project's manuscript for download as HTML,
// Markdown, PDF or DOCX.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatHTML, FormatMarkdown, FormatPDF, FormatDOCX:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	ProjectID string
	Version   string // empty for the current manuscript, else a version hash or tag
	Format    Format
	Author    string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrContentUnavailable indicates the manuscript could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
