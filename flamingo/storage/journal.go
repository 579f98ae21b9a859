package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/d4hines/window-alm-3/flamingo"
)

// RecordChange is one fact change of a committed transaction
type RecordChange struct {
	Relation string `json:"relation"`
	Variant  string `json:"variant"`
	Fact     string `json:"fact"`
	Weight   int    `json:"weight"`
}

// Record describes a committed transaction. Records are an audit trail;
// they are never replayed into the store.
type Record struct {
	TxID       uint64         `json:"tx_id"`
	Kind       string         `json:"kind"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	Time       time.Time      `json:"time"`
	Changes    []RecordChange `json:"changes"`
}

// NewRecord builds a record from the visible changes of a transaction
func NewRecord(txID uint64, kind string, changes flamingo.Changes) Record {
	rec := Record{TxID: txID, Kind: kind, Time: time.Now().UTC()}
	for _, rel := range changes.Relations() {
		for _, c := range changes[rel].Sorted() {
			rec.Changes = append(rec.Changes, RecordChange{
				Relation: rel,
				Variant:  flamingo.Variant(c.Fact),
				Fact:     flamingo.FormatFact(c.Fact),
				Weight:   c.Weight,
			})
		}
	}
	return rec
}

// Journal keeps commit records in an in-memory badger instance, keyed by
// big-endian transaction ID so range scans come back in commit order.
type Journal struct {
	db        *badger.DB
	retention time.Duration
}

// OpenJournal creates an in-memory journal. A zero retention keeps
// records for the lifetime of the journal.
func OpenJournal(retention time.Duration) (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db, retention: retention}, nil
}

func journalKey(txID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, txID)
	return key
}

// Append stores a record
func (j *Journal) Append(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %d: %w", rec.TxID, err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(journalKey(rec.TxID), value)
		if j.retention > 0 {
			entry = entry.WithTTL(j.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Range returns the records with from <= TxID <= to in commit order.
// to == 0 means no upper bound.
func (j *Journal) Range(from, to uint64) ([]Record, error) {
	var records []Record
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(journalKey(from)); it.Valid(); it.Next() {
			item := it.Item()
			id := binary.BigEndian.Uint64(item.Key())
			if to != 0 && id > to {
				break
			}
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode record %d: %w", id, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close releases the journal
func (j *Journal) Close() error {
	return j.db.Close()
}
