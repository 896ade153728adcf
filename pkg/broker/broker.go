// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package broker maps real-world identifiers to research pseudonyms. A
// broker either allocates pseudonyms locally through the crosswalk store or
// delegates to a remote identity service. Route processing refuses to
// forward when a required mapping cannot be resolved; identifying values
// never fall through as-is.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/crosswalk"
)

// Identifier types used across the crosswalk and broker APIs.
const (
	IDTypePatient   = "patient"
	IDTypeAccession = "accession"
)

// ErrUnavailable reports transport-level failure talking to a remote broker.
// Destinations abort rather than fall back to raw identifiers.
var ErrUnavailable = errors.New("broker unavailable")

// ErrMappingMissing reports that the broker has no mapping for the input.
var ErrMappingMissing = errors.New("broker mapping missing")

// Broker is the identity-mapping contract invoked by route processing.
type Broker interface {
	// Name returns the configured broker name.
	Name() string
	// Config returns the broker configuration, used by callers to decide
	// whether date shifting and UID hashing apply.
	Config() config.Broker
	// Lookup resolves idIn of the given type to its pseudonym, allocating
	// one when the broker supports allocation.
	Lookup(ctx context.Context, idType, idIn string) (string, error)
	// ReverseLookup resolves a pseudonym back to the original identifier.
	ReverseLookup(ctx context.Context, idType, idOut string) (string, error)
	// DateShiftFor returns the per-patient day shift.
	DateShiftFor(ctx context.Context, patientID string) (int, error)
	// PutUIDMapping records a UID rewrite for the audit trail.
	PutUIDMapping(ctx context.Context, uidIn, uidOut, uidType string) error
}

// New builds a broker from configuration. Lookups go through a bounded TTL
// cache unless cache_enabled is false.
func New(cfg config.Broker, store *crosswalk.Store) (Broker, error) {
	var b Broker
	switch cfg.BrokerType {
	case config.BrokerLocal:
		b = NewLocal(cfg, store)
	case config.BrokerRemote:
		b = NewRemote(cfg, store)
	default:
		return nil, fmt.Errorf("broker %q: unknown broker_type %q", cfg.Name, cfg.BrokerType)
	}
	if cfg.IsCacheEnabled() {
		b = withCache(b, cfg.CacheMaxSize, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return b, nil
}

// cachedBroker memoizes successful lookups. Entries expire by TTL and the
// cache evicts oldest entries once full.
type cachedBroker struct {
	Broker
	lookups *expirable.LRU[string, string]
	reverse *expirable.LRU[string, string]
}

func withCache(b Broker, size int, ttl time.Duration) Broker {
	return &cachedBroker{
		Broker:  b,
		lookups: expirable.NewLRU[string, string](size, nil, ttl),
		reverse: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func cacheKey(idType, id string) string {
	return idType + "\x00" + id
}

func (c *cachedBroker) Lookup(ctx context.Context, idType, idIn string) (string, error) {
	key := cacheKey(idType, idIn)
	if out, ok := c.lookups.Get(key); ok {
		return out, nil
	}
	out, err := c.Broker.Lookup(ctx, idType, idIn)
	if err != nil {
		return "", err
	}
	c.lookups.Add(key, out)
	return out, nil
}

func (c *cachedBroker) ReverseLookup(ctx context.Context, idType, idOut string) (string, error) {
	key := cacheKey(idType, idOut)
	if in, ok := c.reverse.Get(key); ok {
		return in, nil
	}
	in, err := c.Broker.ReverseLookup(ctx, idType, idOut)
	if err != nil {
		return "", err
	}
	c.reverse.Add(key, in)
	return in, nil
}
