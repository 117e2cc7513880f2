package dataserver

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Revisions: "revisions.xml.7z", Metadata: "metadata.csv", OutputDir: dir}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.Workers != DefaultWorkers {
		t.Fatalf("expected %d workers, got %d", DefaultWorkers, cfg.Workers)
	}
	if cfg.WindowSize != 16 {
		t.Fatalf("expected window 16, got %d", cfg.WindowSize)
	}
	if cfg.MaxLine != 10000 {
		t.Fatalf("expected max line 10000, got %d", cfg.MaxLine)
	}
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("expected handshake timeout 30s, got %s", cfg.HandshakeTimeout)
	}
	if cfg.QueueDepth <= 0 || cfg.RevisionBuffer <= 0 || cfg.MetadataBuffer <= 0 {
		t.Fatal("expected pipeline buffer defaults")
	}
	if cfg.SourceRetryMaxAttempts <= 0 || cfg.SourceRetryBaseDelay <= 0 || cfg.SourceRetryMaxDelay <= 0 {
		t.Fatal("expected source retry defaults")
	}
	if cfg.ClientIPPrefix != DefaultClientIPPrefix {
		t.Fatalf("expected client prefix %q, got %q", DefaultClientIPPrefix, cfg.ClientIPPrefix)
	}
	if cfg.ConnguardFailureThreshold <= 0 || cfg.ConnguardBlockDuration <= 0 {
		t.Fatal("expected connguard defaults")
	}
	if cfg.AdmissionMemorySoftLimitPercent <= 0 || cfg.AdmissionMemoryHardLimitPercent < cfg.AdmissionMemorySoftLimitPercent {
		t.Fatal("expected admission defaults")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	dir := t.TempDir()
	base := func() Config {
		return Config{Revisions: "r.xml", Metadata: "m.csv", OutputDir: dir}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing revisions", mutate: func(c *Config) { c.Revisions = "" }, want: "revisions"},
		{name: "missing metadata", mutate: func(c *Config) { c.Metadata = " " }, want: "metadata"},
		{name: "missing output", mutate: func(c *Config) { c.OutputDir = "" }, want: "output directory"},
		{name: "output absent", mutate: func(c *Config) { c.OutputDir = filepath.Join(dir, "nope") }, want: "output directory"},
		{name: "tira without dataset", mutate: func(c *Config) { c.TiraPath = "/srv/tira" }, want: "tira dataset"},
		{
			name: "retry delays inverted",
			mutate: func(c *Config) {
				c.SourceRetryBaseDelay = time.Second
				c.SourceRetryMaxDelay = time.Millisecond
			},
			want: "retry max delay",
		},
		{
			name: "admission limits inverted",
			mutate: func(c *Config) {
				c.AdmissionMemorySoftLimitPercent = 90
				c.AdmissionMemoryHardLimitPercent = 50
			},
			want: "admission memory",
		},
		{name: "profiling without metrics", mutate: func(c *Config) { c.EnableProfilingMetrics = true }, want: "profiling"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "config: ") || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected config error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseOTLPEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		want otlpTarget
		err  bool
	}{
		{raw: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "collector:5555", want: otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{raw: "grpcs://collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{raw: "http://collector/v1/traces/", want: otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{raw: "https://collector:443", want: otlpTarget{protocol: "http", endpoint: "collector:443"}},
		{raw: "ftp://collector", err: true},
		{raw: "", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseOTLPEndpoint(tc.raw)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}
