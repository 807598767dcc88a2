// Package videostore is the durable history of generated videos. Records
// live in Badger under "rec:<id>" with a secondary "job:<jobId>" index so a
// status report can find its record by server id when the record id is not
// at hand.
package videostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var (
	ErrNotFound      = errors.New("videostore: record not found")
	ErrInvalidRecord = errors.New("videostore: record id is required")
	ErrJobIDTaken    = errors.New("videostore: job id belongs to another record")
)

const (
	recPrefix = "rec:"
	jobPrefix = "job:"
)

func recKey(id string) []byte      { return []byte(recPrefix + id) }
func jobKey(id types.JobID) []byte { return []byte(jobPrefix + string(id)) }
func errNotFound(err error) bool   { return errors.Is(err, badger.ErrKeyNotFound) }

// Store is safe for concurrent use; every mutation is a single Badger
// transaction.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (or creates) the store rooted at dir.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory returns a store that keeps nothing on disk.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("videostore: open: %w", err)
	}
	return &Store{
		db:     db,
		logger: genlog.WithComponent("videostore"),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func getRecord(txn *badger.Txn, id string) (types.Record, error) {
	var rec types.Record
	item, err := txn.Get(recKey(id))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func putRecord(txn *badger.Txn, rec types.Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recKey(rec.ID), buf)
}

// lookupJob resolves the job index. A dangling index entry counts as absent.
func lookupJob(txn *badger.Txn, jobID types.JobID) (types.Record, bool, error) {
	if jobID == "" {
		return types.Record{}, false, nil
	}
	item, err := txn.Get(jobKey(jobID))
	if errNotFound(err) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, err
	}
	var recID string
	if err := item.Value(func(val []byte) error {
		recID = string(val)
		return nil
	}); err != nil {
		return types.Record{}, false, err
	}
	rec, err := getRecord(txn, recID)
	if errNotFound(err) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, err
	}
	return rec, true, nil
}

// Add stores rec. It is a no-op (false) when a record with the same id, or
// with the same non-empty job id, already exists.
func (s *Store) Add(ctx context.Context, rec types.Record) (bool, error) {
	if rec.ID == "" {
		return false, ErrInvalidRecord
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = types.RecordGenerating
	}

	added := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recKey(rec.ID)); err == nil {
			return nil
		} else if !errNotFound(err) {
			return err
		}
		if _, exists, err := lookupJob(txn, rec.JobID); err != nil || exists {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if rec.JobID != "" {
			if err := txn.Set(jobKey(rec.JobID), []byte(rec.ID)); err != nil {
				return err
			}
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("videostore: add %s: %w", rec.ID, err)
	}
	if added {
		s.logger.Debug().Str(genlog.FieldRecordID, rec.ID).Str(genlog.FieldJobID, string(rec.JobID)).Msg("record added")
	}
	return added, nil
}

// StatusUpdate is one terminal (or generating) outcome for a record.
type StatusUpdate struct {
	RecordID     string
	JobID        types.JobID
	Status       types.RecordStatus
	ResultURL    string
	ErrorMessage string
}

// UpdateStatus applies u to the record with u.RecordID, or failing that to
// the Generating record carrying u.JobID. It never creates records and never
// re-mutates a Completed or Failed record. The returned bool reports whether
// anything was written.
func (s *Store) UpdateStatus(ctx context.Context, u StatusUpdate) (types.Record, bool, error) {
	var out types.Record
	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, u.RecordID)
		if err != nil && !errNotFound(err) {
			return err
		}
		if errNotFound(err) {
			byJob, ok, err := lookupJob(txn, u.JobID)
			if err != nil {
				return err
			}
			if !ok || byJob.Status != types.RecordGenerating {
				return nil
			}
			rec = byJob
		}
		out = rec

		if rec.Status != types.RecordGenerating || u.Status == types.RecordGenerating {
			return nil
		}

		rec.Status = u.Status
		switch u.Status {
		case types.RecordCompleted:
			rec.ResultURL = u.ResultURL
			rec.VideoURL = u.ResultURL
		case types.RecordFailed:
			rec.ErrorMessage = u.ErrorMessage
		}
		if rec.JobID == "" && u.JobID != "" {
			if _, taken, err := lookupJob(txn, u.JobID); err != nil {
				return err
			} else if !taken {
				rec.JobID = u.JobID
				if err := txn.Set(jobKey(u.JobID), []byte(rec.ID)); err != nil {
					return err
				}
			}
		}
		rec.UpdatedAt = s.now().UTC()
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = rec
		changed = true
		return nil
	})
	if err != nil {
		return types.Record{}, false, fmt.Errorf("videostore: update %s: %w", u.RecordID, err)
	}
	if changed {
		s.logger.Debug().
			Str(genlog.FieldRecordID, out.ID).
			Str(genlog.FieldJobID, string(out.JobID)).
			Str(genlog.FieldStatus, string(out.Status)).
			Msg("record status updated")
	}
	return out, changed, nil
}

// ReassignJobID points record id at jobID, dropping its previous index entry.
func (s *Store) ReassignJobID(ctx context.Context, id string, jobID types.JobID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rec.JobID == jobID {
			return nil
		}
		if other, taken, err := lookupJob(txn, jobID); err != nil {
			return err
		} else if taken && other.ID != id {
			return ErrJobIDTaken
		}
		if rec.JobID != "" {
			if err := txn.Delete(jobKey(rec.JobID)); err != nil {
				return err
			}
		}
		rec.JobID = jobID
		rec.UpdatedAt = s.now().UTC()
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if jobID == "" {
			return nil
		}
		return txn.Set(jobKey(jobID), []byte(id))
	})
	if err != nil {
		return fmt.Errorf("videostore: reassign %s: %w", id, err)
	}
	return nil
}

// Delete removes the record. Deleting an unknown id reports false.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.JobID != "" {
			if owner, ok, err := lookupJob(txn, rec.JobID); err != nil {
				return err
			} else if ok && owner.ID == id {
				if err := txn.Delete(jobKey(rec.JobID)); err != nil {
					return err
				}
			}
		}
		deleted = true
		return txn.Delete(recKey(id))
	})
	if err != nil {
		return false, fmt.Errorf("videostore: delete %s: %w", id, err)
	}
	return deleted, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (types.Record, bool, error) {
	var rec types.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if errNotFound(err) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, fmt.Errorf("videostore: get %s: %w", id, err)
	}
	return rec, true, nil
}

// FindByJobID returns the record carrying jobID.
func (s *Store) FindByJobID(ctx context.Context, jobID types.JobID) (types.Record, bool, error) {
	var (
		rec types.Record
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = lookupJob(txn, jobID)
		return err
	})
	if err != nil {
		return types.Record{}, false, fmt.Errorf("videostore: find %s: %w", jobID, err)
	}
	return rec, ok, nil
}

// SetFavorite toggles the favorite flag.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) (types.Record, error) {
	var out types.Record
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rec.IsFavorite != favorite {
			rec.IsFavorite = favorite
			rec.UpdatedAt = s.now().UTC()
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return types.Record{}, fmt.Errorf("videostore: favorite %s: %w", id, err)
	}
	return out, nil
}

// scan visits every record. Undecodable values are skipped.
func (s *Store) scan(ctx context.Context, fn func(types.Record)) error {
	prefix := []byte(recPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec types.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				s.logger.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping undecodable record")
				continue
			}
			fn(rec)
		}
		return nil
	})
}

func (s *Store) list(ctx context.Context, keep func(types.Record) bool) ([]types.Record, error) {
	var out []types.Record
	err := s.scan(ctx, func(rec types.Record) {
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("videostore: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ListAll returns every record, newest first.
func (s *Store) ListAll(ctx context.Context) ([]types.Record, error) {
	return s.list(ctx, nil)
}

// ListFavorites returns favorited records, newest first.
func (s *Store) ListFavorites(ctx context.Context) ([]types.Record, error) {
	return s.list(ctx, func(r types.Record) bool { return r.IsFavorite })
}

// ListByStatus returns records in status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status types.RecordStatus) ([]types.Record, error) {
	return s.list(ctx, func(r types.Record) bool { return r.Status == status })
}

// Len counts stored records.
func (s *Store) Len(ctx context.Context) (int, error) {
	n := 0
	if err := s.scan(ctx, func(types.Record) { n++ }); err != nil {
		return 0, fmt.Errorf("videostore: len: %w", err)
	}
	return n, nil
}

// Clear drops every record and index entry and returns how many records
// were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix([]byte(recPrefix), []byte(jobPrefix)); err != nil {
		return 0, fmt.Errorf("videostore: clear: %w", err)
	}
	s.logger.Info().Int("records", n).Msg("history cleared")
	return n, nil
}
