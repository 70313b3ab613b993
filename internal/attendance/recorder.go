// Package attendance turns confirmed face matches into at-most-once
// persisted attendance records for one session.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage"
)

// Outcome reports what RecordIfNew did for a user.
type Outcome int

const (
	// Created means a new attendance record was persisted (or buffered for
	// the next flush in batched mode).
	Created Outcome = iota
	// AlreadyExists means the user was recorded earlier, either in this
	// stream session or by another writer.
	AlreadyExists
)

// RecordStore is the persistence boundary the recorder writes through.
type RecordStore interface {
	InsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error
	BulkInsertAttendanceRecords(ctx context.Context, recs []models.AttendanceRecord) error
	ListAttendanceUserIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
}

// Recorder deduplicates matches for one session. The in-memory seen set
// lives for the duration of one stream session and is seeded from persisted
// records, so reopening a session never re-records earlier attendees.
type Recorder struct {
	store     RecordStore
	sessionID uuid.UUID
	batched   bool
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	seen    map[uuid.UUID]struct{}
	pending []models.AttendanceRecord
	created int
}

func NewRecorder(store RecordStore, sessionID uuid.UUID, cfg config.AttendanceConfig) *Recorder {
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		batched:   cfg.Mode == config.AttendanceModeBatched,
		batchSize: cfg.BatchSize,
		now:       time.Now,
		seen:      make(map[uuid.UUID]struct{}),
	}
}

// Seed loads the users already recorded for the session into the dedup set.
// Call once before the stream loop starts.
func (r *Recorder) Seed(ctx context.Context) error {
	ids, err := r.store.ListAttendanceUserIDs(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("seed attendance set: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.seen[id] = struct{}{}
	}
	return nil
}

// RecordIfNew records the user's attendance unless they are already known.
// A uniqueness violation from the store means another writer got there
// first; that is reported as AlreadyExists, not an error.
func (r *Recorder) RecordIfNew(ctx context.Context, userID uuid.UUID) (Outcome, error) {
	r.mu.Lock()
	if _, ok := r.seen[userID]; ok {
		r.mu.Unlock()
		return AlreadyExists, nil
	}

	rec := models.AttendanceRecord{
		SessionID: r.sessionID,
		UserID:    userID,
		Timestamp: r.now(),
	}

	if r.batched {
		r.seen[userID] = struct{}{}
		r.pending = append(r.pending, rec)
		r.created++

		var batch []models.AttendanceRecord
		if len(r.pending) >= r.batchSize {
			batch = r.pending
			r.pending = nil
		}
		r.mu.Unlock()

		if batch != nil {
			if err := r.writeBatch(ctx, batch); err != nil {
				return Created, err
			}
		}
		return Created, nil
	}

	// Write-through: insert without the lock held; the unique constraint
	// settles races with other writers.
	r.seen[userID] = struct{}{}
	r.created++
	r.mu.Unlock()

	if err := r.store.InsertAttendanceRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateRecord) {
			r.mu.Lock()
			r.created--
			r.mu.Unlock()
			return AlreadyExists, nil
		}
		r.mu.Lock()
		delete(r.seen, userID)
		r.created--
		r.mu.Unlock()
		return AlreadyExists, fmt.Errorf("record attendance: %w", err)
	}
	return Created, nil
}

// Flush persists any buffered records. Safe to call on every exit path; a
// no-op in immediate mode or when the buffer is empty. The current batch is
// swapped out atomically, so matches arriving during the write land in a
// fresh buffer and are neither dropped nor duplicated.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return r.writeBatch(ctx, batch)
}

func (r *Recorder) writeBatch(ctx context.Context, batch []models.AttendanceRecord) error {
	if err := r.store.BulkInsertAttendanceRecords(ctx, batch); err != nil {
		// Requeue so a later flush can retry.
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return fmt.Errorf("flush attendance batch: %w", err)
	}
	return nil
}

// Created returns how many records this recorder created during the session.
func (r *Recorder) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// RecordedUsers returns the users currently in the dedup set.
func (r *Recorder) RecordedUsers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(r.seen))
	for id := range r.seen {
		ids = append(ids, id)
	}
	return ids
}
