package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/textlens/internal/analysis"
	"github.com/SirClappington/textlens/internal/domain"
)

func newRegistry(t *testing.T) *Registry {
	return NewDefault(NewRegistry(zaptest.NewLogger(t)), analysis.DefaultExtractors(), analysis.BasicMetrics{})
}

func TestInvoke_Text(t *testing.T) {
	r := newRegistry(t)
	raw, _ := domain.EncodePayload(domain.TextJob{Text: "one two two"})

	var seen []int
	res, err := r.Invoke(context.Background(), domain.KindText, raw, time.Second, func(p int) { seen = append(seen, p) })
	if err != nil {
		t.Fatal(err)
	}
	var out analysis.Result
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatal(err)
	}
	if out.Basic.WordCount != 3 || out.Advanced.UniqueWords != 2 {
		t.Fatalf("unexpected result %+v", out)
	}
	if len(seen) != 2 || seen[0] != 25 || seen[1] != 75 {
		t.Fatalf("progress %v", seen)
	}
}

func TestInvoke_Document(t *testing.T) {
	r := newRegistry(t)
	raw, _ := domain.EncodePayload(domain.DocumentJob{Filename: "n.md", MimeType: "text/markdown", Data: []byte("# Title")})

	res, err := r.Invoke(context.Background(), domain.KindDocument, raw, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	var out DocumentResult
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatal(err)
	}
	if out.Document.Bytes != 7 || out.Analysis.Basic.WordCount != 2 {
		t.Fatalf("unexpected result %+v", out)
	}

	raw, _ = domain.EncodePayload(domain.DocumentJob{Filename: "a.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	if _, err := r.Invoke(context.Background(), domain.KindDocument, raw, time.Second, nil); !errors.Is(err, domain.ErrHandler) {
		t.Fatalf("expected ErrHandler, got %v", err)
	}
}

func TestRun_TimeoutIgnoringHandler(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	block := make(chan struct{})
	defer close(block)
	r.Register(domain.KindText, HandlerFunc(func(context.Context, domain.Payload, ProgressFunc) (json.RawMessage, error) {
		<-block
		return nil, nil
	}))

	start := time.Now()
	_, err := r.Run(context.Background(), domain.TextJob{Text: "x"}, 50*time.Millisecond, nil)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("timeout took %v", took)
	}
}

func TestRun_PanicBecomesHandlerError(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(domain.KindText, HandlerFunc(func(context.Context, domain.Payload, ProgressFunc) (json.RawMessage, error) {
		panic("boom")
	}))

	_, err := r.Run(context.Background(), domain.TextJob{Text: "x"}, time.Second, nil)
	if !errors.Is(err, domain.ErrHandler) {
		t.Fatalf("expected ErrHandler, got %v", err)
	}
}

func TestRun_ParentCancellation(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(domain.KindText, HandlerFunc(func(ctx context.Context, _ domain.Payload, _ ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, domain.TextJob{Text: "x"}, time.Second, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_UnknownKind(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	if _, err := r.Run(context.Background(), domain.TextJob{Text: "x"}, time.Second, nil); !errors.Is(err, domain.ErrHandler) {
		t.Fatalf("expected ErrHandler, got %v", err)
	}
}
