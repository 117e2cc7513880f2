package dataserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/dataserver/internal/access"
	"pkt.systems/dataserver/internal/admission"
	"pkt.systems/dataserver/internal/connguard"
	"pkt.systems/dataserver/internal/item"
	"pkt.systems/dataserver/internal/mux"
	"pkt.systems/dataserver/internal/relay"
	"pkt.systems/dataserver/internal/session"
	"pkt.systems/dataserver/internal/source"
	"pkt.systems/dataserver/internal/window"
	"pkt.systems/dataserver/internal/wire"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8000"
	// DefaultWorkers caps concurrently served connections.
	DefaultWorkers = 100
	// DefaultWindowSize is the number of revisions that may await a score.
	DefaultWindowSize = window.DefaultCapacity
	// DefaultQueueDepth bounds each extractor queue.
	DefaultQueueDepth = item.DefaultQueueDepth
	// DefaultRevisionBuffer bounds decompressed revision bytes read ahead.
	DefaultRevisionBuffer = relay.DefaultRevisionCapacity
	// DefaultMetadataBuffer bounds decompressed metadata bytes read ahead.
	DefaultMetadataBuffer = relay.DefaultMetadataCapacity
	// DefaultHandshakeTimeout bounds the wait for the client's token.
	DefaultHandshakeTimeout = session.DefaultHandshakeTimeout
	// DefaultMaxLine bounds a single line received from a client.
	DefaultMaxLine = wire.DefaultMaxLine
	// DefaultProgressInterval throttles per-session progress logs.
	DefaultProgressInterval = mux.DefaultProgressInterval
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is empty so metrics stay off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty so pprof stays off unless configured.
	DefaultPprofListen = ""
	// DefaultClientIPPrefix is the evaluation network prefix enforced in TIRA mode.
	DefaultClientIPPrefix = access.DefaultClientIPPrefix

	// DefaultSourceRetryMaxAttempts describes how many transient fetch errors are retried.
	DefaultSourceRetryMaxAttempts = source.DefaultRetryAttempts
	// DefaultSourceRetryBaseDelay configures the first backoff between fetch retries.
	DefaultSourceRetryBaseDelay = source.DefaultRetryBaseDelay
	// DefaultSourceRetryMaxDelay caps the exponential backoff between fetch retries.
	DefaultSourceRetryMaxDelay = source.DefaultRetryMaxDelay

	// DefaultConnguardFailureThreshold is the number of failures required before blocking an IP.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window failures are counted in.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long an IP remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for a peer's first byte.
	DefaultConnguardProbeTimeout = 2 * time.Second

	// DefaultAdmissionMemorySoftLimitPercent delays new sessions above this memory usage.
	DefaultAdmissionMemorySoftLimitPercent = admission.DefaultMemorySoftLimitPercent
	// DefaultAdmissionMemoryHardLimitPercent rejects new sessions above this memory usage.
	DefaultAdmissionMemoryHardLimitPercent = admission.DefaultMemoryHardLimitPercent
	// DefaultAdmissionRecoverySamples is the number of healthy samples before stepping down.
	DefaultAdmissionRecoverySamples = admission.DefaultRecoverySamples
	// DefaultAdmissionSampleInterval controls how often host memory is sampled.
	DefaultAdmissionSampleInterval = admission.DefaultSampleInterval
	// DefaultAdmissionMaxWait caps how long a session waits while soft-armed.
	DefaultAdmissionMaxWait = admission.DefaultMaxWait

	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a dataserver.Server instance.
type Config struct {
	// Listen is the TCP bind address.
	Listen string
	// Revisions locates the revision XML dump (path or object URL).
	Revisions string
	// Metadata locates the revision metadata CSV (path or object URL).
	Metadata string
	// OutputDir receives <token>.csv score files and session logs.
	OutputDir string

	// Workers caps concurrently served connections.
	Workers int
	// WindowSize is the number of unscored revisions in flight per session.
	WindowSize int
	// QueueDepth bounds each per-session extractor queue.
	QueueDepth int
	// RevisionBuffer bounds read-ahead of decompressed revision bytes.
	RevisionBuffer int64
	// MetadataBuffer bounds read-ahead of decompressed metadata bytes.
	MetadataBuffer int64
	// HandshakeTimeout bounds the wait for the token line.
	HandshakeTimeout time.Duration
	// MaxLine bounds lines received from clients.
	MaxLine int
	// ProgressInterval throttles per-session progress logs.
	ProgressInterval time.Duration
	// SessionLogs writes one log file per session into OutputDir.
	SessionLogs bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// TiraPath enables production access checks against a TIRA tree.
	TiraPath string
	// TiraDataset names the evaluation dataset.
	TiraDataset string
	// ClientIPPrefix restricts clients in TIRA mode.
	ClientIPPrefix string

	// SpoolDir receives temporary copies of remote 7z archives.
	SpoolDir string
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// sources.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3Region is sent to S3-compatible endpoints.
	S3Region string
	// AWSRegion is the region for aws:// sources.
	AWSRegion string
	// AWSEndpoint overrides the AWS S3 endpoint.
	AWSEndpoint string
	// AzureAccountKey authenticates azure:// sources.
	AzureAccountKey string
	// AzureSASToken authenticates azure:// sources with a SAS.
	AzureSASToken string
	// AzureEndpoint overrides the blob service endpoint.
	AzureEndpoint string
	// SourceRetryMaxAttempts bounds retries of transient fetch failures.
	SourceRetryMaxAttempts int
	// SourceRetryBaseDelay is the first retry backoff.
	SourceRetryBaseDelay time.Duration
	// SourceRetryMaxDelay caps the retry backoff.
	SourceRetryMaxDelay time.Duration

	// ConnguardEnabled blocks peers that keep failing the handshake.
	ConnguardEnabled bool
	// ConnguardFailureThreshold is the number of failures before blocking.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window failures are counted in.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration is how long a peer stays blocked.
	ConnguardBlockDuration time.Duration
	// ConnguardProbeTimeout bounds the wait for a peer's first byte on accept.
	ConnguardProbeTimeout time.Duration

	// AdmissionEnabled delays or rejects sessions under host memory pressure.
	AdmissionEnabled bool
	// AdmissionMemorySoftLimitPercent soft-arms admission control.
	AdmissionMemorySoftLimitPercent float64
	// AdmissionMemoryHardLimitPercent engages admission control.
	AdmissionMemoryHardLimitPercent float64
	// AdmissionSwapSoftLimitPercent soft-arms on swap usage; zero disables.
	AdmissionSwapSoftLimitPercent float64
	// AdmissionSwapHardLimitPercent engages on swap usage; zero disables.
	AdmissionSwapHardLimitPercent float64
	// AdmissionRecoverySamples is the number of healthy samples before stepping down.
	AdmissionRecoverySamples int
	// AdmissionSampleInterval is the memory sampling cadence.
	AdmissionSampleInterval time.Duration
	// AdmissionMaxWait caps how long a session waits while soft-armed.
	AdmissionMaxWait time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector.
	OTLPEndpoint string
	// MetricsListen is the Prometheus scrape address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects incomplete configurations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Revisions) == "" {
		return fmt.Errorf("config: revisions location required")
	}
	if strings.TrimSpace(c.Metadata) == "" {
		return fmt.Errorf("config: metadata location required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("config: output directory required")
	}
	if info, err := os.Stat(c.OutputDir); err != nil {
		return fmt.Errorf("config: output directory: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("config: output directory %q is not a directory", c.OutputDir)
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RevisionBuffer <= 0 {
		c.RevisionBuffer = DefaultRevisionBuffer
	}
	if c.MetadataBuffer <= 0 {
		c.MetadataBuffer = DefaultMetadataBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxLine <= 0 {
		c.MaxLine = DefaultMaxLine
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.TiraPath != "" && strings.TrimSpace(c.TiraDataset) == "" {
		return fmt.Errorf("config: tira dataset required when tira path is set")
	}
	if c.ClientIPPrefix == "" {
		c.ClientIPPrefix = DefaultClientIPPrefix
	}
	if c.SourceRetryMaxAttempts <= 0 {
		c.SourceRetryMaxAttempts = DefaultSourceRetryMaxAttempts
	}
	if c.SourceRetryBaseDelay <= 0 {
		c.SourceRetryBaseDelay = DefaultSourceRetryBaseDelay
	}
	if c.SourceRetryMaxDelay <= 0 {
		c.SourceRetryMaxDelay = DefaultSourceRetryMaxDelay
	}
	if c.SourceRetryMaxDelay < c.SourceRetryBaseDelay {
		return fmt.Errorf("config: source retry max delay %s below base delay %s", c.SourceRetryMaxDelay, c.SourceRetryBaseDelay)
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		c.ConnguardProbeTimeout = 0
	}
	if c.AdmissionMemorySoftLimitPercent <= 0 {
		c.AdmissionMemorySoftLimitPercent = DefaultAdmissionMemorySoftLimitPercent
	}
	if c.AdmissionMemoryHardLimitPercent <= 0 {
		c.AdmissionMemoryHardLimitPercent = DefaultAdmissionMemoryHardLimitPercent
	}
	if c.AdmissionMemoryHardLimitPercent < c.AdmissionMemorySoftLimitPercent {
		return fmt.Errorf("config: admission memory hard limit %.1f%% below soft limit %.1f%%", c.AdmissionMemoryHardLimitPercent, c.AdmissionMemorySoftLimitPercent)
	}
	if c.AdmissionRecoverySamples <= 0 {
		c.AdmissionRecoverySamples = DefaultAdmissionRecoverySamples
	}
	if c.AdmissionSampleInterval <= 0 {
		c.AdmissionSampleInterval = DefaultAdmissionSampleInterval
	}
	if c.AdmissionMaxWait <= 0 {
		c.AdmissionMaxWait = DefaultAdmissionMaxWait
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		Revisions:        c.Revisions,
		Metadata:         c.Metadata,
		OutputDir:        c.OutputDir,
		WindowSize:       c.WindowSize,
		QueueDepth:       c.QueueDepth,
		RevisionBuffer:   c.RevisionBuffer,
		MetadataBuffer:   c.MetadataBuffer,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxLine:          c.MaxLine,
		ProgressInterval: c.ProgressInterval,
		SessionLogs:      c.SessionLogs,
	}
}

func (c Config) sourceConfig() source.Config {
	return source.Config{
		SpoolDir: c.SpoolDir,
		S3: source.S3Config{
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
			SessionToken:    c.S3SessionToken,
			Region:          c.S3Region,
		},
		AWS: source.AWSConfig{
			Region:   c.AWSRegion,
			Endpoint: c.AWSEndpoint,
		},
		Azure: source.AzureConfig{
			AccountKey: c.AzureAccountKey,
			SASToken:   c.AzureSASToken,
			Endpoint:   c.AzureEndpoint,
		},
		Retry: source.RetryConfig{
			MaxAttempts: c.SourceRetryMaxAttempts,
			BaseDelay:   c.SourceRetryBaseDelay,
			MaxDelay:    c.SourceRetryMaxDelay,
		},
	}
}

func (c Config) connguardConfig() connguard.Config {
	return connguard.Config{
		Enabled:          c.ConnguardEnabled,
		FailureThreshold: c.ConnguardFailureThreshold,
		FailureWindow:    c.ConnguardFailureWindow,
		BlockDuration:    c.ConnguardBlockDuration,
		ProbeTimeout:     c.ConnguardProbeTimeout,
	}
}

func (c Config) admissionConfig() admission.Config {
	return admission.Config{
		Enabled:                c.AdmissionEnabled,
		MemorySoftLimitPercent: c.AdmissionMemorySoftLimitPercent,
		MemoryHardLimitPercent: c.AdmissionMemoryHardLimitPercent,
		SwapSoftLimitPercent:   c.AdmissionSwapSoftLimitPercent,
		SwapHardLimitPercent:   c.AdmissionSwapHardLimitPercent,
		RecoverySamples:        c.AdmissionRecoverySamples,
		SampleInterval:         c.AdmissionSampleInterval,
		MaxWait:                c.AdmissionMaxWait,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.dataserver).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dataserver"), nil
}
