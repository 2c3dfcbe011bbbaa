// Package journal persists the message history across daemon restarts so
// operators can audit what crossed the satellite link and when.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"satlink/internal/queue"
	"satlink/internal/session"
)

const keyPrefix = "ev/"

// Entry is one journalled event.
type Entry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Direction string    `json:"direction,omitempty"`
	ID        string    `json:"id,omitempty"`
	State     string    `json:"state,omitempty"`
	Size      int       `json:"size,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type Journal struct {
	db        *badger.DB
	log       zerolog.Logger
	retention time.Duration
	stopGC    chan struct{}
}

// Open opens or creates the journal store at path. Entries older than
// retention expire; zero retention keeps everything.
func Open(path string, retention time.Duration, log zerolog.Logger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{
		db:        db,
		log:       log,
		retention: retention,
		stopGC:    make(chan struct{}),
	}
	go j.runGC()
	return j, nil
}

func (j *Journal) Close() error {
	close(j.stopGC)
	return j.db.Close()
}

// Record appends one entry. Failures are logged, never surfaced: the journal
// must not stall message servicing.
func (j *Journal) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		j.log.Error().Err(err).Msg("journal encode failed")
		return
	}
	// Nanosecond timestamp keys give chronological iteration order; the
	// uuid suffix disambiguates entries landing in the same nanosecond.
	key := fmt.Sprintf("%s%020d/%s", keyPrefix, e.Time.UnixNano(), uuid.NewString())
	err = j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if j.retention > 0 {
			entry = entry.WithTTL(j.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		j.log.Error().Err(err).Msg("journal write failed")
	}
}

// History returns up to limit entries, newest first.
func (j *Journal) History(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		// Reverse iteration starts past the last timestamp key.
		for it.Seek(append([]byte(keyPrefix), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			})
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (j *Journal) runGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := j.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						j.log.Warn().Err(err).Msg("journal gc")
					}
					break
				}
			}
		case <-j.stopGC:
			return
		}
	}
}

// ============================================================================
// Session sink
// ============================================================================

// The journal doubles as a session event sink so every lifecycle change is
// recorded without the session knowing about storage.

func (j *Journal) StateChanged(from, to session.State) {
	j.Record(Entry{
		Kind:   "session_state",
		State:  to.String(),
		Detail: "from " + from.String(),
	})
}

func (j *Journal) MOCompleted(msg queue.Message) {
	j.Record(Entry{
		Kind:      "mo_completed",
		Direction: "mo",
		ID:        msg.ID,
		State:     msg.State.String(),
		Size:      msg.Size,
	})
}

func (j *Journal) MTAnnounced(sum queue.MTSummary) {
	j.Record(Entry{
		Kind:      "mt_announced",
		Direction: "mt",
		ID:        sum.ID,
		Size:      sum.Size,
	})
}

func (j *Journal) MTRetrieved(msg queue.Message) {
	j.Record(Entry{
		Kind:      "mt_retrieved",
		Direction: "mt",
		ID:        msg.ID,
		Size:      msg.Size,
	})
}
