// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package broker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/crosswalk"
)

// Local allocates pseudonyms itself using a configured naming scheme and
// persists every mapping in the crosswalk store.
type Local struct {
	cfg   config.Broker
	store *crosswalk.Store
}

// NewLocal builds a local broker over the shared crosswalk store.
func NewLocal(cfg config.Broker, store *crosswalk.Store) *Local {
	return &Local{cfg: cfg, store: store}
}

// Name implements Broker.
func (l *Local) Name() string { return l.cfg.Name }

// Config implements Broker.
func (l *Local) Config() config.Broker { return l.cfg }

// Lookup implements Broker. The pseudonym is allocated on first sight and
// stable afterwards.
func (l *Local) Lookup(_ context.Context, idType, idIn string) (string, error) {
	if idIn == "" {
		return "", fmt.Errorf("broker %s: empty %s identifier: %w", l.cfg.Name, idType, ErrMappingMissing)
	}
	// Fast path keeps the sequential scheme from burning counter values on
	// repeat lookups.
	if out, found, err := l.store.Lookup(l.cfg.Name, idType, idIn); err != nil {
		return "", err
	} else if found {
		return out, nil
	}
	gen, err := l.generator(idType, idIn)
	if err != nil {
		return "", err
	}
	return l.store.LookupOrCreate(l.cfg.Name, idType, idIn, gen)
}

// ReverseLookup implements Broker.
func (l *Local) ReverseLookup(_ context.Context, idType, idOut string) (string, error) {
	in, found, err := l.store.ReverseLookup(l.cfg.Name, idType, idOut)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("broker %s: no original for %s %q: %w", l.cfg.Name, idType, idOut, ErrMappingMissing)
	}
	return in, nil
}

// DateShiftFor implements Broker.
func (l *Local) DateShiftFor(_ context.Context, patientID string) (int, error) {
	if !l.cfg.DateShiftEnabled {
		return 0, nil
	}
	return l.store.GetOrAllocateDateShift(l.cfg.Name, patientID, l.cfg.DateShiftMinDays, l.cfg.DateShiftMaxDays)
}

// PutUIDMapping implements Broker.
func (l *Local) PutUIDMapping(_ context.Context, uidIn, uidOut, uidType string) error {
	return l.store.PutUIDMapping(l.cfg.Name, uidIn, uidOut, uidType)
}

// generator returns the candidate producer for the configured scheme. The
// prefix applies to patient identifiers only.
func (l *Local) generator(idType, idIn string) (crosswalk.Generator, error) {
	prefix := ""
	if idType == IDTypePatient {
		prefix = l.cfg.PatientIDPrefix
	}
	switch l.cfg.NamingScheme {
	case config.SchemeHash:
		return l.hashGenerator(prefix, idType, idIn), nil
	case config.SchemeAdjectiveAnimal:
		return l.adjectiveAnimalGenerator(prefix, idIn), nil
	case config.SchemeSequential:
		return l.sequentialGenerator(prefix, idType)
	default:
		return nil, fmt.Errorf("broker %s: unknown naming scheme %q", l.cfg.Name, l.cfg.NamingScheme)
	}
}

// hashGenerator truncates SHA-256(broker || id_type || id_in). Collisions of
// the truncated digest re-hash with the attempt counter appended.
func (l *Local) hashGenerator(prefix, idType, idIn string) crosswalk.Generator {
	return func(attempt int) (string, error) {
		input := l.cfg.Name + "\x00" + idType + "\x00" + idIn
		if attempt > 0 {
			input = fmt.Sprintf("%s\x00%d", input, attempt)
		}
		sum := sha256.Sum256([]byte(input))
		return prefix + hex.EncodeToString(sum[:])[:l.cfg.HashLength], nil
	}
}

// adjectiveAnimalGenerator picks from the two fixed word lists, seeded by
// SHA-256(broker || id_in). Collisions re-seed with the attempt counter.
func (l *Local) adjectiveAnimalGenerator(prefix, idIn string) crosswalk.Generator {
	return func(attempt int) (string, error) {
		input := l.cfg.Name + "\x00" + idIn
		if attempt > 0 {
			input = fmt.Sprintf("%s\x00%d", input, attempt)
		}
		sum := sha256.Sum256([]byte(input))
		hi := binary.BigEndian.Uint64(sum[:8])
		lo := binary.BigEndian.Uint64(sum[8:16])
		adjective := adjectives[hi%uint64(len(adjectives))]
		animal := animals[lo%uint64(len(animals))]
		return fmt.Sprintf("%s%s-%s", prefix, adjective, animal), nil
	}
}

// sequentialGenerator allocates the next counter value before entering the
// crosswalk transaction. Unused candidates leave gaps, never duplicates.
func (l *Local) sequentialGenerator(prefix, idType string) (crosswalk.Generator, error) {
	next, err := l.store.NextSequence(l.cfg.Name, idType)
	if err != nil {
		return nil, err
	}
	return func(attempt int) (string, error) {
		candidate := fmt.Sprintf("%s%0*d", prefix, l.cfg.SequencePadding, next)
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", candidate, attempt)
		}
		return candidate, nil
	}, nil
}
