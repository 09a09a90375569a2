package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spendguard/internal/models"
)

func TestFileStoreReplaysJournalAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	limit := models.SpendingLimit{PeerID: "peer-a", LimitSats: 100_000, Period: models.PeriodDaily, PeriodStart: now.Truncate(24 * time.Hour), CommittedSats: 5, ReservedSats: 7}
	if err := s.UpsertLimit(ctx, limit); err != nil {
		t.Fatalf("upsert limit: %v", err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		r := models.Reservation{ID: id, PeerID: "peer-a", AmountSats: 1000, State: models.ReservationOpen, CreatedAt: now}
		if err := s.InsertReservation(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.ResolveReservation(ctx, "r1", models.ReservationCommitted, now.Add(time.Minute)); err != nil {
		t.Fatalf("resolve r1: %v", err)
	}
	// second transition must lose
	if err := s.ResolveReservation(ctx, "r1", models.ReservationRolledBack, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("resolve r1 again: %v", err)
	}
	if err := s.ResolveReservation(ctx, "r2", models.ReservationRolledBack, now.Add(time.Minute)); err != nil {
		t.Fatalf("resolve r2: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	limits, err := reopened.ListLimits(ctx)
	if err != nil || len(limits) != 1 {
		t.Fatalf("expected 1 limit, got %d (%v)", len(limits), err)
	}
	if limits[0].CommittedSats != 0 || limits[0].ReservedSats != 0 {
		t.Fatalf("aggregates must not be persisted: %+v", limits[0])
	}

	rs, err := reopened.ListReservations(ctx)
	if err != nil {
		t.Fatalf("list reservations: %v", err)
	}
	states := map[string]models.ReservationState{}
	for _, r := range rs {
		states[r.ID] = r.State
	}
	want := map[string]models.ReservationState{
		"r1": models.ReservationCommitted,
		"r2": models.ReservationRolledBack,
		"r3": models.ReservationOpen,
	}
	for id, st := range want {
		if states[id] != st {
			t.Fatalf("reservation %s: want %s, got %s", id, st, states[id])
		}
	}
}

func TestFileStoreSkipsTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r := models.Reservation{ID: "r1", PeerID: "p", AmountSats: 10, State: models.ReservationOpen, CreatedAt: time.Now().UTC()}
	if err := s.InsertReservation(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.Close()

	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"op":"open","reservation":{"id":"r2"`)
	f.Close()

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rs, err := reopened.ListReservations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "r1" {
		t.Fatalf("expected only r1, got %+v", rs)
	}
}

func TestFileStoreDeleteCompactsTerminalOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	for _, id := range []string{"keep-open", "drop-done"} {
		if err := s.InsertReservation(ctx, models.Reservation{ID: id, PeerID: "p", AmountSats: 1, State: models.ReservationOpen, CreatedAt: now}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.ResolveReservation(ctx, "drop-done", models.ReservationCommitted, now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.DeleteReservations(ctx, []string{"keep-open", "drop-done"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rs, _ := s.ListReservations(ctx)
	if len(rs) != 1 || rs[0].ID != "keep-open" {
		t.Fatalf("open reservations must survive compaction: %+v", rs)
	}

	// journal stays appendable after compaction
	if err := s.ResolveReservation(ctx, "keep-open", models.ReservationRolledBack, now); err != nil {
		t.Fatalf("resolve after compaction: %v", err)
	}
	rs, _ = s.ListReservations(ctx)
	if rs[0].State != models.ReservationRolledBack {
		t.Fatalf("expected rolled back, got %s", rs[0].State)
	}
}

func TestFileStoreRequestStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		rec := models.RequestRecord{RequestID: id, Status: models.RequestStatusManual, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.SaveRequestStatus(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	s.Close()

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	recent, _ := reopened.ListRecentRequests(ctx, 2)
	if len(recent) != 2 || recent[0].RequestID != "c" || recent[1].RequestID != "b" {
		t.Fatalf("unexpected order: %+v", recent)
	}
	if _, ok, _ := reopened.GetRequestStatus(ctx, "a"); !ok {
		t.Fatal("request a should be persisted")
	}
}

func TestFileStoreAppendsAfterTornLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte(`{"op":"open","reserv`), 0o600); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	r := models.Reservation{ID: "fresh", PeerID: "p", AmountSats: 5, State: models.ReservationOpen, CreatedAt: time.Now().UTC()}
	if err := s.InsertReservation(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rs, err := s.ListReservations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "fresh" {
		t.Fatalf("new entry must not merge with the torn line: %+v", rs)
	}
}

func TestFileStoreTruncatesFailedAppend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now().UTC()
	if err := s.InsertReservation(ctx, models.Reservation{ID: "before", PeerID: "p", AmountSats: 1, State: models.ReservationOpen, CreatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	errNoSpace := errors.New("no space left on device")
	s.write = func(f *os.File, b []byte) (int, error) {
		n, _ := f.Write(b[:len(b)/2])
		return n, errNoSpace
	}
	err = s.InsertReservation(ctx, models.Reservation{ID: "torn", PeerID: "p", AmountSats: 2, State: models.ReservationOpen, CreatedAt: now})
	if !errors.Is(err, errNoSpace) {
		t.Fatalf("expected write error, got %v", err)
	}

	s.write = (*os.File).Write
	if err := s.InsertReservation(ctx, models.Reservation{ID: "after", PeerID: "p", AmountSats: 3, State: models.ReservationOpen, CreatedAt: now}); err != nil {
		t.Fatalf("insert after failure: %v", err)
	}
	s.Close()

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rs, err := reopened.ListReservations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rs) != 2 || rs[0].ID != "before" || rs[1].ID != "after" {
		t.Fatalf("acknowledged entries must survive a failed append: %+v", rs)
	}
}
