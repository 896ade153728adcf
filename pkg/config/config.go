// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the configuration file leaves a knob unset.
const (
	DefaultBaseDir             = "/var/lib/dicomroute"
	DefaultStudyTimeoutSeconds = 60
	DefaultWorkerThreads       = 4
	DefaultHealthCheckInterval = 30
	DefaultMaxRetries          = 3
	DefaultRetryDelaySeconds   = 300
	DefaultCacheTTLSeconds     = 300
	DefaultCacheMaxSize        = 1000
	DefaultTokenTTLSeconds     = 3000
	DefaultHashLength          = 8
	DefaultSequencePadding     = 6
	DefaultStreamThreshold     = 100 * 1024 * 1024
	DefaultDestTimeoutSeconds  = 60
)

// Config is the root of the appliance configuration, loaded once at startup.
// Routes and their listening ports are fixed for the lifetime of the process.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	ScriptsDir string `mapstructure:"scripts_dir"`

	Receiver     Receiver          `mapstructure:"receiver"`
	Routes       []Route           `mapstructure:"routes"`
	Destinations []DestinationSpec `mapstructure:"destinations"`
	Brokers      []Broker          `mapstructure:"brokers"`
	Resilience   Resilience        `mapstructure:"resilience"`
}

// Receiver holds settings shared by every DICOM listener.
type Receiver struct {
	BaseDir              string `mapstructure:"base_dir"`
	StudyTimeoutSeconds  int    `mapstructure:"study_timeout_seconds"`
	StreamThresholdBytes int64  `mapstructure:"stream_threshold_bytes"`
}

// Route binds an AE title and port to a set of destination bindings.
type Route struct {
	AETitle                 string    `mapstructure:"ae_title"`
	Port                    int       `mapstructure:"port"`
	WorkerThreads           int       `mapstructure:"worker_threads"`
	MaxConcurrentTransfers  int       `mapstructure:"max_concurrent_transfers"`
	StudyTimeoutSeconds     int       `mapstructure:"study_timeout_seconds"`
	MaxStudyDurationSeconds int       `mapstructure:"max_study_duration_seconds"`
	Enabled                 *bool     `mapstructure:"enabled"`
	Destinations            []Binding `mapstructure:"destinations"`
}

// StudyTimeout returns the quiescence window for the route.
func (r *Route) StudyTimeout() time.Duration {
	return time.Duration(r.StudyTimeoutSeconds) * time.Second
}

// IsEnabled reports whether the route should be started. Unset means enabled.
func (r *Route) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Binding configures how one route forwards to one destination.
type Binding struct {
	Destination       string `mapstructure:"destination"`
	Anonymize         bool   `mapstructure:"anonymize"`
	AnonScript        string `mapstructure:"anon_script"`
	ProjectID         string `mapstructure:"project_id"`
	SubjectPrefix     string `mapstructure:"subject_prefix"`
	SessionPrefix     string `mapstructure:"session_prefix"`
	UseHonestBroker   bool   `mapstructure:"use_honest_broker"`
	HonestBroker      string `mapstructure:"honest_broker"`
	AutoArchive       bool   `mapstructure:"auto_archive"`
	Priority          int    `mapstructure:"priority"`
	RetryCount        int    `mapstructure:"retry_count"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	Enabled           *bool  `mapstructure:"enabled"`
}

// IsEnabled reports whether the binding participates in fan-out. Unset means enabled.
func (b *Binding) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// DestinationSpec is the tagged-variant description of a forwarding target.
// Type selects which of the kind-specific field groups apply.
type DestinationSpec struct {
	Name           string `mapstructure:"name"`
	Type           string `mapstructure:"type"`
	Enabled        *bool  `mapstructure:"enabled"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// xnat
	URL                string `mapstructure:"url"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	ConnectionPoolSize int    `mapstructure:"connection_pool_size"`

	// dicom
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	CalledAE  string `mapstructure:"called_ae"`
	CallingAE string `mapstructure:"calling_ae"`
	TLS       bool   `mapstructure:"tls"`

	// file
	Path    string `mapstructure:"path"`
	Pattern string `mapstructure:"pattern"`
}

// IsEnabled reports whether the destination may be registered. Unset means enabled.
func (d *DestinationSpec) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Timeout returns the per-operation deadline for the destination.
func (d *DestinationSpec) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Destination type discriminators.
const (
	DestinationXNAT  = "xnat"
	DestinationDICOM = "dicom"
	DestinationFile  = "file"
)

// Broker configures one honest-broker identity, either local or remote.
type Broker struct {
	Name            string `mapstructure:"name"`
	BrokerType      string `mapstructure:"broker_type"`
	NamingScheme    string `mapstructure:"naming_scheme"`
	PatientIDPrefix string `mapstructure:"patient_id_prefix"`
	HashLength      int    `mapstructure:"hash_length"`
	SequencePadding int    `mapstructure:"sequence_padding"`

	CacheEnabled    *bool `mapstructure:"cache_enabled"`
	CacheTTLSeconds int   `mapstructure:"cache_ttl_seconds"`
	CacheMaxSize    int   `mapstructure:"cache_max_size"`

	DateShiftEnabled bool `mapstructure:"date_shift_enabled"`
	DateShiftMinDays int  `mapstructure:"date_shift_min_days"`
	DateShiftMaxDays int  `mapstructure:"date_shift_max_days"`
	HashUIDsEnabled  bool `mapstructure:"hash_uids_enabled"`

	// remote
	URL             string `mapstructure:"url"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	TokenTTLSeconds int    `mapstructure:"token_ttl_seconds"`
}

// IsCacheEnabled reports whether lookups go through the in-memory cache.
// Unset means enabled.
func (b *Broker) IsCacheEnabled() bool {
	return b.CacheEnabled == nil || *b.CacheEnabled
}

// Broker type discriminators.
const (
	BrokerLocal  = "local"
	BrokerRemote = "remote"
)

// Naming schemes for local brokers.
const (
	SchemeHash            = "hash"
	SchemeAdjectiveAnimal = "adjective_animal"
	SchemeSequential      = "sequential"
)

// Backoff policies for retry scheduling.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Resilience groups the retry and health-probing knobs.
type Resilience struct {
	HealthCheckInterval int `mapstructure:"health_check_interval"`
	MaxRetries          int `mapstructure:"max_retries"`
	RetryDelay          int `mapstructure:"retry_delay"`
	RetentionDays       int `mapstructure:"retention_days"`
	// Backoff selects the retry delay curve, linear by default.
	Backoff string `mapstructure:"backoff"`
}

// Load reads the configuration file at path, applies defaults and environment
// overrides (DICOMROUTE_* keys), and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DICOMROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("receiver.base_dir", DefaultBaseDir)
	v.SetDefault("receiver.study_timeout_seconds", DefaultStudyTimeoutSeconds)
	v.SetDefault("receiver.stream_threshold_bytes", DefaultStreamThreshold)
	v.SetDefault("resilience.health_check_interval", DefaultHealthCheckInterval)
	v.SetDefault("resilience.max_retries", DefaultMaxRetries)
	v.SetDefault("resilience.retry_delay", DefaultRetryDelaySeconds)
	v.SetDefault("resilience.retention_days", 0)
	v.SetDefault("resilience.backoff", BackoffLinear)
}

// applyDefaults fills per-element defaults that viper cannot reach inside
// list entries.
func (c *Config) applyDefaults() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.WorkerThreads <= 0 {
			r.WorkerThreads = DefaultWorkerThreads
		}
		if r.MaxConcurrentTransfers <= 0 {
			r.MaxConcurrentTransfers = r.WorkerThreads * 2
		}
		if r.StudyTimeoutSeconds <= 0 {
			r.StudyTimeoutSeconds = c.Receiver.StudyTimeoutSeconds
		}
		for j := range r.Destinations {
			b := &r.Destinations[j]
			if b.RetryCount <= 0 {
				b.RetryCount = c.Resilience.MaxRetries
			}
			if b.RetryDelaySeconds <= 0 {
				b.RetryDelaySeconds = c.Resilience.RetryDelay
			}
		}
	}
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.TimeoutSeconds <= 0 {
			d.TimeoutSeconds = DefaultDestTimeoutSeconds
		}
	}
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.CacheTTLSeconds <= 0 {
			b.CacheTTLSeconds = DefaultCacheTTLSeconds
		}
		if b.CacheMaxSize <= 0 {
			b.CacheMaxSize = DefaultCacheMaxSize
		}
		if b.TokenTTLSeconds <= 0 {
			b.TokenTTLSeconds = DefaultTokenTTLSeconds
		}
		if b.HashLength <= 0 {
			b.HashLength = DefaultHashLength
		}
		if b.SequencePadding <= 0 {
			b.SequencePadding = DefaultSequencePadding
		}
	}
}

// Validate checks cross-references and value ranges. It returns the first
// problem found; configuration problems are user errors, not runtime failures.
func (c *Config) Validate() error {
	if c.Receiver.BaseDir == "" {
		return fmt.Errorf("receiver.base_dir must be set")
	}
	switch c.Resilience.Backoff {
	case "", BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("resilience.backoff must be %q or %q", BackoffLinear, BackoffExponential)
	}
	destNames := make(map[string]bool, len(c.Destinations))
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.Name == "" {
			return fmt.Errorf("destination %d: name must be set", i)
		}
		if destNames[d.Name] {
			return fmt.Errorf("destination %q: duplicate name", d.Name)
		}
		destNames[d.Name] = true
		switch d.Type {
		case DestinationXNAT:
			if d.URL == "" {
				return fmt.Errorf("destination %q: url must be set for type xnat", d.Name)
			}
		case DestinationDICOM:
			if d.Host == "" || d.Port <= 0 {
				return fmt.Errorf("destination %q: host and port must be set for type dicom", d.Name)
			}
			if d.CalledAE == "" {
				return fmt.Errorf("destination %q: called_ae must be set for type dicom", d.Name)
			}
		case DestinationFile:
			if d.Path == "" {
				return fmt.Errorf("destination %q: path must be set for type file", d.Name)
			}
		default:
			return fmt.Errorf("destination %q: unknown type %q", d.Name, d.Type)
		}
	}
	brokerNames := make(map[string]bool, len(c.Brokers))
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.Name == "" {
			return fmt.Errorf("broker %d: name must be set", i)
		}
		if brokerNames[b.Name] {
			return fmt.Errorf("broker %q: duplicate name", b.Name)
		}
		brokerNames[b.Name] = true
		switch b.BrokerType {
		case BrokerLocal:
			switch b.NamingScheme {
			case SchemeHash, SchemeAdjectiveAnimal, SchemeSequential:
			default:
				return fmt.Errorf("broker %q: unknown naming_scheme %q", b.Name, b.NamingScheme)
			}
		case BrokerRemote:
			if b.URL == "" {
				return fmt.Errorf("broker %q: url must be set for broker_type remote", b.Name)
			}
		default:
			return fmt.Errorf("broker %q: unknown broker_type %q", b.Name, b.BrokerType)
		}
		if b.DateShiftEnabled && b.DateShiftMinDays > b.DateShiftMaxDays {
			return fmt.Errorf("broker %q: date_shift_min_days > date_shift_max_days", b.Name)
		}
	}
	seenAE := make(map[string]bool, len(c.Routes))
	seenPort := make(map[int]string, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.AETitle == "" {
			return fmt.Errorf("route %d: ae_title must be set", i)
		}
		if len(r.AETitle) > 16 {
			return fmt.Errorf("route %q: ae_title longer than 16 characters", r.AETitle)
		}
		if seenAE[r.AETitle] {
			return fmt.Errorf("route %q: duplicate ae_title", r.AETitle)
		}
		seenAE[r.AETitle] = true
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("route %q: invalid port %d", r.AETitle, r.Port)
		}
		if other, ok := seenPort[r.Port]; ok {
			return fmt.Errorf("route %q: port %d already used by route %q", r.AETitle, r.Port, other)
		}
		seenPort[r.Port] = r.AETitle
		for j := range r.Destinations {
			b := &r.Destinations[j]
			if !destNames[b.Destination] {
				return fmt.Errorf("route %q: destination %q is not defined", r.AETitle, b.Destination)
			}
			if b.UseHonestBroker {
				if b.HonestBroker == "" {
					return fmt.Errorf("route %q destination %q: use_honest_broker requires honest_broker", r.AETitle, b.Destination)
				}
				if !brokerNames[b.HonestBroker] {
					return fmt.Errorf("route %q destination %q: honest_broker %q is not defined", r.AETitle, b.Destination, b.HonestBroker)
				}
			}
		}
	}
	return nil
}

// RouteByAE returns the route with the given AE title.
func (c *Config) RouteByAE(ae string) (*Route, bool) {
	for i := range c.Routes {
		if c.Routes[i].AETitle == ae {
			return &c.Routes[i], true
		}
	}
	return nil, false
}

// DestinationByName returns the destination spec with the given name.
func (c *Config) DestinationByName(name string) (*DestinationSpec, bool) {
	for i := range c.Destinations {
		if c.Destinations[i].Name == name {
			return &c.Destinations[i], true
		}
	}
	return nil, false
}

// BrokerByName returns the broker config with the given name.
func (c *Config) BrokerByName(name string) (*Broker, bool) {
	for i := range c.Brokers {
		if c.Brokers[i].Name == name {
			return &c.Brokers[i], true
		}
	}
	return nil, false
}
