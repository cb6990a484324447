package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/textlens/internal/domain"
)

func newRecord(owner string) *domain.JobRecord {
	qid := uuid.NewString()
	return &domain.JobRecord{
		OwnerID:     owner,
		Kind:        domain.KindText,
		Payload:     json.RawMessage(`{"text":"hello world"}`),
		Fingerprint: "fp",
		QueueJobID:  &qid,
	}
}

// testStore runs the shared Store contract against s.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()

	t.Run("lifecycle", func(t *testing.T) {
		rec := newRecord(owner)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if rec.ID == "" || rec.Status != domain.Pending {
			t.Fatalf("insert did not fill defaults: %+v", rec)
		}

		got, err := s.MarkProcessing(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.Processing {
			t.Fatalf("status %s", got.Status)
		}
		// redelivery keeps PROCESSING
		if _, err := s.MarkProcessing(ctx, rec.ID); err != nil {
			t.Fatalf("redelivery: %v", err)
		}

		if err := s.Complete(ctx, rec.ID, json.RawMessage(`{"words":2}`), 25*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		got, err = s.Find(ctx, rec.ID, owner)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.Completed || got.Error != nil || got.CompletedAt == nil {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.ProcessingTimeMs == nil || *got.ProcessingTimeMs != 25 {
			t.Fatalf("processing time %v", got.ProcessingTimeMs)
		}

		if _, err := s.MarkProcessing(ctx, rec.ID); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("terminal redelivery: %v", err)
		}
		if err := s.Fail(ctx, rec.ID, "late", 0); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("fail after complete: %v", err)
		}
	})

	t.Run("pending can fail", func(t *testing.T) {
		rec := newRecord(owner)
		_ = s.Insert(ctx, rec)
		if err := s.Complete(ctx, rec.ID, json.RawMessage(`{}`), 0); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("complete from pending: %v", err)
		}
		if err := s.Fail(ctx, rec.ID, "enqueue failed", 0); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.Status != domain.Failed || got.Error == nil || *got.Error != "enqueue failed" || got.Result != nil {
			t.Fatalf("unexpected record %+v", got)
		}
	})

	t.Run("owner scoping", func(t *testing.T) {
		rec := newRecord(owner)
		_ = s.Insert(ctx, rec)
		if _, err := s.Find(ctx, rec.ID, "someone-else"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("find by other owner: %v", err)
		}
		if err := s.Delete(ctx, rec.ID, "someone-else"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("delete by other owner: %v", err)
		}
		if err := s.Delete(ctx, rec.ID, owner); err != nil {
			t.Fatal(err)
		}
		if _, err := s.MarkProcessing(ctx, rec.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("mark deleted: %v", err)
		}
	})

	t.Run("list and stats", func(t *testing.T) {
		other := "owner-" + uuid.NewString()
		for i := 0; i < 5; i++ {
			rec := newRecord(other)
			rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Millisecond)
			_ = s.Insert(ctx, rec)
			if i < 3 {
				_, _ = s.MarkProcessing(ctx, rec.ID)
				_ = s.Complete(ctx, rec.ID, json.RawMessage(`{}`), time.Duration(10*(i+1))*time.Millisecond)
			}
			if i == 3 {
				_ = s.Fail(ctx, rec.ID, "boom", 0)
			}
		}

		page, total, err := s.List(ctx, other, 1, 2)
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 || len(page) != 2 {
			t.Fatalf("page 1: %d records, total %d", len(page), total)
		}
		if !page[0].CreatedAt.After(page[1].CreatedAt) {
			t.Fatal("list not newest first")
		}
		page, total, _ = s.List(ctx, other, 4, 2)
		if len(page) != 0 || total != 5 {
			t.Fatalf("page past end: %d records, total %d", len(page), total)
		}

		st, err := s.OwnerStats(ctx, other)
		if err != nil {
			t.Fatal(err)
		}
		want := domain.OwnerStats{Total: 5, Completed: 3, Failed: 1, Pending: 1, SuccessRate: 60, AverageProcessingTimeMs: 20}
		if st != want {
			t.Fatalf("stats %+v, want %+v", st, want)
		}
	})
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestMemory_ListWhileCompleting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	var ids []string
	for i := 0; i < 100; i++ {
		rec := newRecord("o")
		rec.Status = domain.Processing
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			if err := s.Complete(ctx, id, json.RawMessage(`{}`), time.Millisecond); err != nil {
				t.Error(err)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		recs, total, err := s.List(ctx, "o", 1, 100)
		if err != nil {
			t.Fatal(err)
		}
		if total != 100 || len(recs) != 100 {
			t.Fatalf("list = %d of %d", len(recs), total)
		}
		for _, rec := range recs {
			if rec.Status == domain.Completed && rec.CompletedAt == nil {
				t.Fatalf("record %s completed without completion time", rec.ID)
			}
		}
	}
	<-done
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEXTLENS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEXTLENS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := Migrate(pool, filepath.Join(".", "migrations")); err != nil {
		t.Fatal(err)
	}
	testStore(t, New(pool))

	t.Run("validated text payloads fit jsonb", func(t *testing.T) {
		ok := domain.TextJob{Text: "tab\there \u2028 caf\u00e9 \U0001F600 \"quoted\" \\"}
		if err := ok.Validate(); err != nil {
			t.Fatal(err)
		}
		raw, err := domain.EncodePayload(ok)
		if err != nil {
			t.Fatal(err)
		}
		rec := newRecord("owner-" + uuid.NewString())
		rec.Payload = raw
		if err := New(pool).Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}

		if err := (domain.TextJob{Text: "a\x00b"}).Validate(); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("NUL text passed validation: %v", err)
		}
	})
}
