package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"spendguard/internal/models"
)

const (
	limitsFile   = "limits.json"
	journalFile  = "reservations.jsonl"
	requestsFile = "requests.json"
	lockFile     = ".lock"

	// maxRequestRecords bounds requests.json; the oldest rows are dropped first.
	maxRequestRecords = 1000
)

// ErrStoreLocked reports a store directory already opened by another process.
var ErrStoreLocked = errors.New("storage: store directory is locked by another process")

// FileStore keeps limits and request statuses as JSON snapshots and reservations as an
// fsync'd append-only JSONL journal under a single directory. One process at a time
// may hold the directory open.
type FileStore struct {
	dir  string
	lock *os.File

	mu       sync.Mutex
	journal  *os.File
	write    func(f *os.File, b []byte) (int, error)
	limits   map[string]models.SpendingLimit
	requests map[string]models.RequestRecord
}

// NewFileStore opens (or initialises) the store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	lock, err := lockDir(filepath.Join(dir, lockFile))
	if err != nil {
		return nil, err
	}
	s := &FileStore{
		dir:      dir,
		lock:     lock,
		write:    (*os.File).Write,
		limits:   make(map[string]models.SpendingLimit),
		requests: make(map[string]models.RequestRecord),
	}
	opened := false
	defer func() {
		if !opened {
			lock.Close()
		}
	}()

	var rows []limitRow
	if err := readJSON(s.path(limitsFile), &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.limits[row.PeerID] = row.toModel()
	}

	var recs []models.RequestRecord
	if err := readJSON(s.path(requestsFile), &recs); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		s.requests[rec.RequestID] = rec
	}

	if err := s.openJournal(); err != nil {
		return nil, err
	}
	opened = true
	return s, nil
}

// Close releases the journal handle and the directory lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.journal != nil {
		err = s.journal.Close()
		s.journal = nil
	}
	if s.lock != nil {
		err = errors.Join(err, s.lock.Close())
		s.lock = nil
	}
	return err
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) openJournal() error {
	if err := repairTail(s.path(journalFile)); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open reservation journal: %w", err)
	}
	s.journal = f
	return nil
}

func (s *FileStore) UpsertLimit(ctx context.Context, limit models.SpendingLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.limits[limit.PeerID]
	s.limits[limit.PeerID] = toLimitRow(limit).toModel()
	if err := s.flushLimits(); err != nil {
		if existed {
			s.limits[limit.PeerID] = prev
		} else {
			delete(s.limits, limit.PeerID)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeleteLimit(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.limits[peerID]
	if !existed {
		return nil
	}
	delete(s.limits, peerID)
	if err := s.flushLimits(); err != nil {
		s.limits[peerID] = prev
		return err
	}
	return nil
}

func (s *FileStore) ListLimits(ctx context.Context) ([]models.SpendingLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SpendingLimit, 0, len(s.limits))
	for _, l := range s.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (s *FileStore) flushLimits() error {
	rows := make([]limitRow, 0, len(s.limits))
	for _, l := range s.limits {
		rows = append(rows, toLimitRow(l))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PeerID < rows[j].PeerID })
	return writeJSONAtomic(s.path(limitsFile), rows)
}

// InsertReservation appends an open entry and fsyncs before returning.
func (s *FileStore) InsertReservation(ctx context.Context, r models.Reservation) error {
	rec := r
	return s.append(logEntry{Op: opOpen, At: r.CreatedAt, Reservation: &rec})
}

// ResolveReservation appends a resolve entry. Replay applies only the first one per id.
func (s *FileStore) ResolveReservation(ctx context.Context, id string, state models.ReservationState, at time.Time) error {
	return s.append(logEntry{Op: opResolve, At: at, ID: id, State: state})
}

func (s *FileStore) append(e logEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("storage: journal closed")
	}
	info, err := s.journal.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	size := info.Size()
	if _, err := s.write(s.journal, data); err != nil {
		return s.discardTail(size, fmt.Errorf("append journal entry: %w", err))
	}
	if err := s.journal.Sync(); err != nil {
		return s.discardTail(size, fmt.Errorf("sync journal: %w", err))
	}
	return nil
}

// discardTail cuts the journal back to size after a failed append, so the next entry
// does not land on a torn line. Callers hold s.mu.
func (s *FileStore) discardTail(size int64, cause error) error {
	if err := s.journal.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate journal: %w", err))
	}
	return cause
}

func (s *FileStore) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay()
}

// replay folds the journal into reservations. A torn trailing line (crash mid-write)
// is skipped: the write was never acknowledged.
func (s *FileStore) replay() ([]models.Reservation, error) {
	data, err := os.ReadFile(s.path(journalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reservation journal: %w", err)
	}

	byID := make(map[string]*models.Reservation)
	order := make([]string, 0)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e logEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		switch e.Op {
		case opOpen:
			if e.Reservation == nil {
				continue
			}
			if _, seen := byID[e.Reservation.ID]; seen {
				continue
			}
			r := *e.Reservation
			byID[r.ID] = &r
			order = append(order, r.ID)
		case opResolve:
			r, ok := byID[e.ID]
			if !ok || r.State.Terminal() {
				continue
			}
			r.State = e.State
			at := e.At
			r.ResolvedAt = &at
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan reservation journal: %w", err)
	}

	out := make([]models.Reservation, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// DeleteReservations compacts the journal without the given terminal reservations.
func (s *FileStore) DeleteReservations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.replay()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for i := range current {
		r := current[i]
		if _, ok := drop[r.ID]; ok && r.State.Terminal() {
			continue
		}
		line, err := json.Marshal(logEntry{Op: opOpen, At: r.CreatedAt, Reservation: &r})
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if s.journal != nil {
		_ = s.journal.Close()
		s.journal = nil
	}
	if err := writeFileAtomic(s.path(journalFile), buf.Bytes()); err != nil {
		if reopenErr := s.openJournal(); reopenErr != nil {
			return errors.Join(err, reopenErr)
		}
		return err
	}
	return s.openJournal()
}

func (s *FileStore) SaveRequestStatus(ctx context.Context, rec models.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[rec.RequestID] = rec
	if len(s.requests) > maxRequestRecords {
		kept := recentRequests(s.requests, maxRequestRecords)
		s.requests = make(map[string]models.RequestRecord, len(kept))
		for _, r := range kept {
			s.requests[r.RequestID] = r
		}
	}
	return writeJSONAtomic(s.path(requestsFile), recentRequests(s.requests, 0))
}

func (s *FileStore) GetRequestStatus(ctx context.Context, requestID string) (models.RequestRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[requestID]
	return rec, ok, nil
}

func (s *FileStore) ListRecentRequests(ctx context.Context, limit int) ([]models.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recentRequests(s.requests, limit), nil
}

// repairTail truncates a partially written last line so new entries start on a fresh line.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read reservation journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("truncate torn journal entry: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a temp file in the same directory, fsyncs, then renames over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

var (
	_ LedgerStore        = (*FileStore)(nil)
	_ RequestStatusStore = (*FileStore)(nil)
)
