package analysis

import (
	"bytes"
	"context"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/SirClappington/textlens/internal/domain"
)

var ErrUnsupportedType = errors.New("unsupported document type")

// Extraction is the text recovered from a document.
type Extraction struct {
	Text     string `json:"-"`
	MimeType string `json:"mime_type"`
	Bytes    int    `json:"bytes"`
}

// Extractor recovers text from a document. Process must be safe to retry.
type Extractor interface {
	Process(ctx context.Context, doc domain.DocumentJob) (Extraction, error)
}

// ByMime routes documents to an Extractor by media type, ignoring
// parameters such as charset.
type ByMime map[string]Extractor

func (m ByMime) Process(ctx context.Context, doc domain.DocumentJob) (Extraction, error) {
	mt, _, err := mime.ParseMediaType(doc.MimeType)
	if err != nil {
		return Extraction{}, errors.Wrapf(ErrUnsupportedType, "parse %q", doc.MimeType)
	}
	ex, ok := m[mt]
	if !ok {
		return Extraction{}, errors.Wrap(ErrUnsupportedType, mt)
	}
	return ex.Process(ctx, doc)
}

// PlainText accepts UTF-8 text documents as they are.
type PlainText struct{}

func (PlainText) Process(ctx context.Context, doc domain.DocumentJob) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, err
	}
	if !utf8.Valid(doc.Data) {
		return Extraction{}, errors.Errorf("%s: document is not valid UTF-8", doc.Filename)
	}
	if bytes.IndexByte(doc.Data, 0) >= 0 {
		return Extraction{}, errors.Errorf("%s: document contains NUL bytes", doc.Filename)
	}
	text := strings.TrimPrefix(string(doc.Data), "\ufeff")
	return Extraction{Text: text, MimeType: doc.MimeType, Bytes: len(doc.Data)}, nil
}

// DefaultExtractors handles the text formats the service accepts.
func DefaultExtractors() ByMime {
	pt := PlainText{}
	return ByMime{
		"text/plain":       pt,
		"text/markdown":    pt,
		"text/csv":         pt,
		"text/html":        pt,
		"application/json": pt,
	}
}
