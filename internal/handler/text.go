package handler

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/SirClappington/textlens/internal/analysis"
	"github.com/SirClappington/textlens/internal/domain"
)

// Text computes metrics over a TextJob.
type Text struct {
	Metrics analysis.Metrics
}

func (h Text) Handle(ctx context.Context, p domain.Payload, progress ProgressFunc) (json.RawMessage, error) {
	job, ok := p.(domain.TextJob)
	if !ok {
		return nil, errors.Errorf("text handler got %s payload", p.Kind())
	}
	progress(25)
	res := h.Metrics.Compute(job.Text)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(75)
	return json.Marshal(res)
}

// DocumentResult is the stored result of a document job.
type DocumentResult struct {
	Document analysis.Extraction `json:"document"`
	Analysis analysis.Result     `json:"analysis"`
}

// Document extracts text from a DocumentJob and computes its metrics.
type Document struct {
	Extractor analysis.Extractor
	Metrics   analysis.Metrics
}

func (h Document) Handle(ctx context.Context, p domain.Payload, progress ProgressFunc) (json.RawMessage, error) {
	doc, ok := p.(domain.DocumentJob)
	if !ok {
		return nil, errors.Errorf("document handler got %s payload", p.Kind())
	}
	ex, err := h.Extractor.Process(ctx, doc)
	if err != nil {
		return nil, errors.Wrapf(err, "extract %s", doc.Filename)
	}
	progress(25)
	res := h.Metrics.Compute(ex.Text)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(75)
	return json.Marshal(DocumentResult{Document: ex, Analysis: res})
}

// NewDefault registers the text and document handlers.
func NewDefault(r *Registry, ex analysis.Extractor, m analysis.Metrics) *Registry {
	r.Register(domain.KindText, Text{Metrics: m})
	r.Register(domain.KindDocument, Document{Extractor: ex, Metrics: m})
	return r
}
