package persist

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var auditBucket = []byte("audit")

// AuditEntry is one durable record of an operator command that mutated
// state: SETSTATE, ADDHIST, CLEARFLAP, PM ADD/CANCEL/ADDLOG. Read-only
// commands are not journaled.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Command   string    `json:"command"`
}

// AuditJournal is a durable, append-only log of operator commands, kept
// separate from the JSON state snapshot so it survives independently of
// snapshot rewrites and can be inspected without parsing the whole state
// document.
type AuditJournal struct {
	db *bolt.DB
}

// OpenAuditJournal opens (creating if necessary) a bbolt-backed journal at path.
func OpenAuditJournal(path string) (*AuditJournal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &AuditJournal{db: db}, nil
}

// Close releases the underlying database file.
func (j *AuditJournal) Close() error {
	return j.db.Close()
}

// Append records one entry, keyed by a monotonically increasing bucket
// sequence number so entries iterate in insertion order.
func (j *AuditJournal) Append(entry AuditEntry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := jsonAPI.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Tail returns up to limit of the most recently appended entries, oldest
// first within the returned slice.
func (j *AuditJournal) Tail(limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		c := b.Cursor()
		count := 0
		for k, v := c.Last(); k != nil && count < limit; k, v = c.Prev() {
			var e AuditEntry
			if err := jsonAPI.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
