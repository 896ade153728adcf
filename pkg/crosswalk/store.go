// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package crosswalk persists the bidirectional original-to-pseudonym mappings
// behind the honest brokers. Every write is committed and fsynced before the
// call returns; a pseudonym handed out once must survive restarts, or the
// same patient would resolve to two identities.
package crosswalk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrIDGenerationExhausted is returned when generated pseudonyms collided
// with existing ones for every allowed attempt.
var ErrIDGenerationExhausted = errors.New("pseudonym generation exhausted")

// ErrUIDConflict is returned when a UID mapping would overwrite an existing
// mapping with a different value.
var ErrUIDConflict = errors.New("uid mapping conflict")

// maxGenerateAttempts bounds collision retries in LookupOrCreate.
const maxGenerateAttempts = 16

var (
	bucketForward   = []byte("crosswalk_fwd")
	bucketReverse   = []byte("crosswalk_rev")
	bucketShifts    = []byte("date_shifts")
	bucketUIDs      = []byte("uid_mappings")
	bucketSequences = []byte("sequences")
)

// Generator produces candidate pseudonyms. attempt starts at 0 and increases
// on collision so schemes can vary their output.
type Generator func(attempt int) (string, error)

// Entry is one crosswalk row, exposed for audit listing.
type Entry struct {
	Broker    string    `json:"broker"`
	IDType    string    `json:"id_type"`
	IDIn      string    `json:"id_in"`
	IDOut     string    `json:"id_out"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows ListEntries output.
type Filter struct {
	IDType   string
	Contains string
}

// Page selects a window of ListEntries output.
type Page struct {
	Offset int
	Limit  int
}

type forwardValue struct {
	IDOut     string    `json:"id_out"`
	CreatedAt time.Time `json:"created_at"`
}

type shiftValue struct {
	ShiftDays int       `json:"shift_days"`
	CreatedAt time.Time `json:"created_at"`
}

type uidValue struct {
	UIDOut    string    `json:"uid_out"`
	UIDType   string    `json:"uid_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable crosswalk database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open crosswalk store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketForward, bucketReverse, bucketShifts, bucketUIDs, bucketSequences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init crosswalk store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// entryKey composes the per-broker bucket key. IDs are text; the NUL
// separator keeps (type, id) pairs unambiguous.
func entryKey(idType, id string) []byte {
	return []byte(idType + "\x00" + id)
}

func splitEntryKey(key []byte) (idType, id string) {
	parts := strings.SplitN(string(key), "\x00", 2)
	if len(parts) != 2 {
		return "", string(key)
	}
	return parts[0], parts[1]
}

func brokerBucket(tx *bolt.Tx, root []byte, broker string, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket(root)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", root)
	}
	if create {
		return b.CreateBucketIfNotExists([]byte(broker))
	}
	child := b.Bucket([]byte(broker))
	return child, nil
}

// LookupOrCreate returns the pseudonym for (broker, idType, idIn), generating
// and persisting one atomically if absent. Candidates colliding with an
// existing pseudonym are retried up to 16 times before
// ErrIDGenerationExhausted.
func (s *Store) LookupOrCreate(broker, idType, idIn string, gen Generator) (string, error) {
	var out string
	err := s.db.Update(func(tx *bolt.Tx) error {
		fwd, err := brokerBucket(tx, bucketForward, broker, true)
		if err != nil {
			return err
		}
		rev, err := brokerBucket(tx, bucketReverse, broker, true)
		if err != nil {
			return err
		}
		key := entryKey(idType, idIn)
		if raw := fwd.Get(key); raw != nil {
			var v forwardValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode crosswalk row: %w", err)
			}
			out = v.IDOut
			return nil
		}
		for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
			candidate, err := gen(attempt)
			if err != nil {
				return err
			}
			revKey := entryKey(idType, candidate)
			if rev.Get(revKey) != nil {
				continue
			}
			raw, err := json.Marshal(forwardValue{IDOut: candidate, CreatedAt: time.Now().UTC()})
			if err != nil {
				return err
			}
			if err := fwd.Put(key, raw); err != nil {
				return err
			}
			if err := rev.Put(revKey, []byte(idIn)); err != nil {
				return err
			}
			out = candidate
			return nil
		}
		return fmt.Errorf("broker %s id_type %s: %w", broker, idType, ErrIDGenerationExhausted)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Lookup returns the existing pseudonym without creating one.
func (s *Store) Lookup(broker, idType, idIn string) (string, bool, error) {
	var out string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		fwd, err := brokerBucket(tx, bucketForward, broker, false)
		if err != nil || fwd == nil {
			return err
		}
		raw := fwd.Get(entryKey(idType, idIn))
		if raw == nil {
			return nil
		}
		var v forwardValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode crosswalk row: %w", err)
		}
		out, found = v.IDOut, true
		return nil
	})
	return out, found, err
}

// ReverseLookup resolves a pseudonym back to the original identifier.
func (s *Store) ReverseLookup(broker, idType, idOut string) (string, bool, error) {
	var in string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		rev, err := brokerBucket(tx, bucketReverse, broker, false)
		if err != nil || rev == nil {
			return err
		}
		raw := rev.Get(entryKey(idType, idOut))
		if raw == nil {
			return nil
		}
		in, found = string(raw), true
		return nil
	})
	return in, found, err
}

// GetOrAllocateDateShift returns the per-patient day shift, allocating it on
// first sight. The value is pseudo-random in [min, max], seeded from
// (broker, patientID) so reallocation after data loss stays consistent.
func (s *Store) GetOrAllocateDateShift(broker, patientID string, min, max int) (int, error) {
	if max < min {
		return 0, fmt.Errorf("date shift range [%d, %d] is empty", min, max)
	}
	var days int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := brokerBucket(tx, bucketShifts, broker, true)
		if err != nil {
			return err
		}
		key := []byte(patientID)
		if raw := b.Get(key); raw != nil {
			var v shiftValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode date shift row: %w", err)
			}
			days = v.ShiftDays
			return nil
		}
		days = seededShift(broker, patientID, min, max)
		raw, err := json.Marshal(shiftValue{ShiftDays: days, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return 0, err
	}
	return days, nil
}

func seededShift(broker, patientID string, min, max int) int {
	sum := sha256.Sum256([]byte(broker + "\x00" + patientID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))
	return min + rng.Intn(max-min+1)
}

// PutUIDMapping records uidIn → uidOut for the audit trail. A second call
// with the same uidIn must carry the same uidOut.
func (s *Store) PutUIDMapping(broker, uidIn, uidOut, uidType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := brokerBucket(tx, bucketUIDs, broker, true)
		if err != nil {
			return err
		}
		key := []byte(uidIn)
		if raw := b.Get(key); raw != nil {
			var v uidValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode uid row: %w", err)
			}
			if v.UIDOut != uidOut {
				return fmt.Errorf("uid %s already mapped to %s: %w", uidIn, v.UIDOut, ErrUIDConflict)
			}
			return nil
		}
		raw, err := json.Marshal(uidValue{UIDOut: uidOut, UIDType: uidType, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
}

// LookupUID returns the recorded mapping for uidIn.
func (s *Store) LookupUID(broker, uidIn string) (string, bool, error) {
	var out string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := brokerBucket(tx, bucketUIDs, broker, false)
		if err != nil || b == nil {
			return err
		}
		raw := b.Get([]byte(uidIn))
		if raw == nil {
			return nil
		}
		var v uidValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode uid row: %w", err)
		}
		out, found = v.UIDOut, true
		return nil
	})
	return out, found, err
}

// NextSequence increments and returns the counter for (broker, idType),
// starting at 1.
func (s *Store) NextSequence(broker, idType string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := brokerBucket(tx, bucketSequences, broker, true)
		if err != nil {
			return err
		}
		key := []byte(idType)
		if raw := b.Get(key); raw != nil {
			next = binary.BigEndian.Uint64(raw)
		}
		next++
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], next)
		return b.Put(key, buf[:])
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// ListEntries returns crosswalk rows for audit, ordered by key.
func (s *Store) ListEntries(broker string, filter Filter, page Page) ([]Entry, error) {
	var entries []Entry
	skip := page.Offset
	err := s.db.View(func(tx *bolt.Tx) error {
		fwd, err := brokerBucket(tx, bucketForward, broker, false)
		if err != nil || fwd == nil {
			return err
		}
		c := fwd.Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			idType, idIn := splitEntryKey(k)
			if filter.IDType != "" && idType != filter.IDType {
				continue
			}
			var v forwardValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode crosswalk row: %w", err)
			}
			if filter.Contains != "" &&
				!strings.Contains(idIn, filter.Contains) &&
				!strings.Contains(v.IDOut, filter.Contains) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			entries = append(entries, Entry{
				Broker:    broker,
				IDType:    idType,
				IDIn:      idIn,
				IDOut:     v.IDOut,
				CreatedAt: v.CreatedAt,
			})
			if page.Limit > 0 && len(entries) >= page.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
