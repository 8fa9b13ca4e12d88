// Package bbolt implements ports.Journal using bbolt (embedded B+ tree).
// Emitted events go to the "events" bucket keyed by sequence; run summaries go
// to the "runs" bucket keyed by run id. Writes are transactional: a crash
// mid-write cannot corrupt previously committed data.
package bbolt

import (
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeami/zwatch/internal/ports"
)

// Bucket keys
var (
	bucketEvents = []byte("events")
	bucketRuns   = []byte("runs")
)

// DefaultRetention is the number of events kept when no option overrides it.
const DefaultRetention = 10000

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("journal is locked by another process")

// Journal implements ports.Journal backed by bbolt.
type Journal struct {
	db        *bolt.DB
	retention uint64
}

var _ ports.Journal = (*Journal)(nil)

// Option configures a Journal.
type Option func(*Journal)

// WithRetention caps the number of stored events. Zero keeps everything.
func WithRetention(n int) Option {
	return func(j *Journal) {
		if n < 0 {
			n = 0
		}
		j.retention = uint64(n)
	}
}

// Open opens (or creates) a journal at the given path. It fails after one
// second if the file is locked.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("bbolt open %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	j := &Journal{db: db, retention: DefaultRetention}
	for _, opt := range opts {
		opt(j)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return j, nil
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.db.Path() }

// Append stores ev and drops the oldest events beyond the retention cap.
func (j *Journal) Append(runID string, ev ports.ClassifiedEvent) error {
	data, err := encodeEvent(runID, ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		if j.retention == 0 || seq <= j.retention {
			return nil
		}
		return trim(b, seq-j.retention)
	})
}

// trim deletes every event with a sequence up to and including cutoff.
func trim(b *bolt.Bucket, cutoff uint64) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		seq, err := parseSeqKey(k)
		if err != nil {
			return err
		}
		if seq > cutoff {
			return nil
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]ports.JournalRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []ports.JournalRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			rec, err := decodeEvent(k, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored events.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// BeginRun records the start of a run.
func (j *Journal) BeginRun(run ports.RunRecord) error {
	return j.putRun(run)
}

// EndRun records the final state of a run. Calling it again overwrites the
// record with the same values.
func (j *Journal) EndRun(run ports.RunRecord) error {
	if run.StoppedAt.IsZero() {
		run.StoppedAt = time.Now()
	}
	return j.putRun(run)
}

func (j *Journal) putRun(run ports.RunRecord) error {
	if run.ID == "" {
		return errors.New("run record without id")
	}
	data, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// Runs returns recorded runs, newest first. A limit of zero returns all.
func (j *Journal) Runs(limit int) ([]ports.RunRecord, error) {
	var runs []ports.RunRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			run, err := decodeRun(v)
			if err != nil {
				return err
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(a, b int) bool {
		return runs[a].StartedAt.After(runs[b].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Clear removes all events and runs. The sequence restarts at one.
func (j *Journal) Clear() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketRuns} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
