package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/dataserver"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dataserver configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.dataserver/" + dataserver.DefaultConfigFileName
	if dir, err := dataserver.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, dataserver.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default dataserver configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := dataserver.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, dataserver.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; keys match flag names so viper
// reads the file without a mapping table.
type configDefaults struct {
	Listen           string `yaml:"listen"`
	Revisions        string `yaml:"revisions"`
	Metadata         string `yaml:"metadata"`
	OutputDir        string `yaml:"output-dir"`
	Workers          int    `yaml:"workers"`
	Window           int    `yaml:"window"`
	QueueDepth       int    `yaml:"queue-depth"`
	RevisionBuffer   string `yaml:"revision-buffer"`
	MetadataBuffer   string `yaml:"metadata-buffer"`
	HandshakeTimeout string `yaml:"handshake-timeout"`
	MaxLine          int    `yaml:"max-line"`
	ProgressInterval string `yaml:"progress-interval"`
	SessionLogs      bool   `yaml:"session-logs"`
	ServerLog        bool   `yaml:"server-log"`
	ShutdownTimeout  string `yaml:"shutdown-timeout"`

	TiraPath       string `yaml:"tira-path"`
	TiraDataset    string `yaml:"tira-dataset"`
	ClientIPPrefix string `yaml:"client-ip-prefix"`

	SpoolDir             string `yaml:"spool-dir"`
	S3AccessKeyID        string `yaml:"s3-access-key-id"`
	S3SecretAccessKey    string `yaml:"s3-secret-access-key"`
	S3Region             string `yaml:"s3-region"`
	AWSRegion            string `yaml:"aws-region"`
	AWSEndpoint          string `yaml:"aws-endpoint"`
	AzureEndpoint        string `yaml:"azure-endpoint"`
	SourceRetryAttempts  int    `yaml:"source-retry-attempts"`
	SourceRetryBaseDelay string `yaml:"source-retry-base-delay"`
	SourceRetryMaxDelay  string `yaml:"source-retry-max-delay"`

	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string `yaml:"connguard-probe-timeout"`

	AdmissionEnabled                bool    `yaml:"admission-enabled"`
	AdmissionMemorySoftLimitPercent float64 `yaml:"admission-memory-soft-limit-percent"`
	AdmissionMemoryHardLimitPercent float64 `yaml:"admission-memory-hard-limit-percent"`
	AdmissionRecoverySamples        int     `yaml:"admission-recovery-samples"`
	AdmissionSampleInterval         string  `yaml:"admission-sample-interval"`
	AdmissionMaxWait                string  `yaml:"admission-max-wait"`

	OTLPEndpoint  string `yaml:"otlp-endpoint"`
	MetricsListen string `yaml:"metrics-listen"`
	PprofListen   string `yaml:"pprof-listen"`
	LogLevel      string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:           dataserver.DefaultListen,
		OutputDir:        "/var/lib/dataserver",
		Workers:          dataserver.DefaultWorkers,
		Window:           dataserver.DefaultWindowSize,
		QueueDepth:       dataserver.DefaultQueueDepth,
		RevisionBuffer:   humanizeBytes(dataserver.DefaultRevisionBuffer),
		MetadataBuffer:   humanizeBytes(dataserver.DefaultMetadataBuffer),
		HandshakeTimeout: dataserver.DefaultHandshakeTimeout.String(),
		MaxLine:          dataserver.DefaultMaxLine,
		ProgressInterval: dataserver.DefaultProgressInterval.String(),
		SessionLogs:      true,
		ServerLog:        true,
		ShutdownTimeout:  dataserver.DefaultShutdownTimeout.String(),

		ClientIPPrefix: dataserver.DefaultClientIPPrefix,

		SourceRetryAttempts:  dataserver.DefaultSourceRetryMaxAttempts,
		SourceRetryBaseDelay: dataserver.DefaultSourceRetryBaseDelay.String(),
		SourceRetryMaxDelay:  dataserver.DefaultSourceRetryMaxDelay.String(),

		ConnguardEnabled:          true,
		ConnguardFailureThreshold: dataserver.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    dataserver.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    dataserver.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     dataserver.DefaultConnguardProbeTimeout.String(),

		AdmissionEnabled:                true,
		AdmissionMemorySoftLimitPercent: dataserver.DefaultAdmissionMemorySoftLimitPercent,
		AdmissionMemoryHardLimitPercent: dataserver.DefaultAdmissionMemoryHardLimitPercent,
		AdmissionRecoverySamples:        dataserver.DefaultAdmissionRecoverySamples,
		AdmissionSampleInterval:         dataserver.DefaultAdmissionSampleInterval.String(),
		AdmissionMaxWait:                dataserver.DefaultAdmissionMaxWait.String(),

		LogLevel: "info",
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
