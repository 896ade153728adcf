// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/crosswalk"
)

const tokenCacheKey = "bearer"

// Remote delegates identity mapping to an external honest-broker service
// over HTTPS. Date shifts and the UID audit trail stay local: the remote
// service only maps identifiers.
type Remote struct {
	cfg        config.Broker
	store      *crosswalk.Store
	baseURL    string
	httpClient *http.Client
	tokens     *gocache.Cache
}

// NewRemote builds a remote broker client.
func NewRemote(cfg config.Broker, store *crosswalk.Store) *Remote {
	ttl := time.Duration(cfg.TokenTTLSeconds) * time.Second
	return &Remote{
		cfg:        cfg,
		store:      store,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     gocache.New(ttl, 10*time.Minute),
	}
}

// Name implements Broker.
func (r *Remote) Name() string { return r.cfg.Name }

// Config implements Broker.
func (r *Remote) Config() config.Broker { return r.cfg }

// Lookup implements Broker.
func (r *Remote) Lookup(ctx context.Context, idType, idIn string) (string, error) {
	if idIn == "" {
		return "", fmt.Errorf("broker %s: empty %s identifier: %w", r.cfg.Name, idType, ErrMappingMissing)
	}
	return r.lookup(ctx, "idIn", idIn)
}

// ReverseLookup implements Broker.
func (r *Remote) ReverseLookup(ctx context.Context, idType, idOut string) (string, error) {
	return r.lookup(ctx, "idOut", idOut)
}

// DateShiftFor implements Broker. Remote brokers allocate shifts locally,
// keyed by the broker name.
func (r *Remote) DateShiftFor(_ context.Context, patientID string) (int, error) {
	if !r.cfg.DateShiftEnabled {
		return 0, nil
	}
	return r.store.GetOrAllocateDateShift(r.cfg.Name, patientID, r.cfg.DateShiftMinDays, r.cfg.DateShiftMaxDays)
}

// PutUIDMapping implements Broker.
func (r *Remote) PutUIDMapping(_ context.Context, uidIn, uidOut, uidType string) error {
	return r.store.PutUIDMapping(r.cfg.Name, uidIn, uidOut, uidType)
}

// lookup queries the de-identification endpoint. On 401 the cached token is
// invalidated and the request retried once with a fresh one.
func (r *Remote) lookup(ctx context.Context, param, value string) (string, error) {
	path := "/DeIdentification/lookup?" + param + "=" + url.QueryEscape(value)
	body, status, err := r.doAuthorized(ctx, http.MethodGet, path)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return "", fmt.Errorf("broker %s: %s %q: %w", r.cfg.Name, param, value, ErrMappingMissing)
	case status >= 500:
		return "", fmt.Errorf("broker %s: lookup returned %d: %w", r.cfg.Name, status, ErrUnavailable)
	default:
		return "", fmt.Errorf("broker %s: lookup returned %d", r.cfg.Name, status)
	}

	var results []struct {
		IDIn  string `json:"idIn"`
		IDOut string `json:"idOut"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return "", fmt.Errorf("broker %s: decode lookup response: %w", r.cfg.Name, err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("broker %s: %s %q: %w", r.cfg.Name, param, value, ErrMappingMissing)
	}
	if param == "idOut" {
		return results[0].IDIn, nil
	}
	return results[0].IDOut, nil
}

// doAuthorized performs one request with a bearer token, refreshing the
// token once on 401.
func (r *Remote) doAuthorized(ctx context.Context, method, path string) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		token, err := r.token(ctx)
		if err != nil {
			return nil, 0, err
		}
		body, status, err := r.do(ctx, method, path, token)
		if err != nil {
			return nil, 0, err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			r.tokens.Delete(tokenCacheKey)
			continue
		}
		return body, status, nil
	}
}

func (r *Remote) do(ctx context.Context, method, path, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("broker %s: %s %s: %v: %w", r.cfg.Name, method, path, err, ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("broker %s: read response: %v: %w", r.cfg.Name, err, ErrUnavailable)
	}
	return body, resp.StatusCode, nil
}

// token returns a cached bearer token or authenticates for a fresh one.
func (r *Remote) token(ctx context.Context) (string, error) {
	if cached, ok := r.tokens.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}
	payload, err := json.Marshal(map[string]string{
		"clientId":     r.cfg.ClientID,
		"clientSecret": r.cfg.ClientSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("broker %s: token request: %v: %w", r.cfg.Name, err, ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("broker %s: read token response: %v: %w", r.cfg.Name, err, ErrUnavailable)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("broker %s: token endpoint returned %d: %w", r.cfg.Name, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broker %s: token endpoint returned %d", r.cfg.Name, resp.StatusCode)
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("broker %s: decode token response: %w", r.cfg.Name, err)
	}
	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("broker %s: token response carried no token", r.cfg.Name)
	}
	r.tokens.Set(tokenCacheKey, token, gocache.DefaultExpiration)
	return token, nil
}
