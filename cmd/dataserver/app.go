package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/dataserver"
	"pkt.systems/dataserver/internal/pathutil"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

const envPrefix = "DATASERVER"

func newLogger(w io.Writer) pslog.Logger {
	return pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "dataserver")
}

func submain(ctx context.Context) int {
	baseLogger := newLogger(os.Stderr)
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand, so failures can be logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			consumeNext := false
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := dataserver.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, dataserver.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// serverNames lists every root flag that is also a config key.
var serverNames = []string{
	"config",
	"listen", "port", "revisions", "metadata", "output-dir",
	"workers", "window", "queue-depth", "revision-buffer", "metadata-buffer",
	"handshake-timeout", "max-line", "progress-interval", "session-logs", "server-log", "shutdown-timeout",
	"tira-path", "tira-dataset", "client-ip-prefix",
	"spool-dir", "s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-region",
	"aws-region", "aws-endpoint", "azure-key", "azure-sas-token", "azure-endpoint",
	"source-retry-attempts", "source-retry-base-delay", "source-retry-max-delay",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
	"admission-enabled", "admission-memory-soft-limit-percent", "admission-memory-hard-limit-percent",
	"admission-swap-soft-limit-percent", "admission-swap-hard-limit-percent",
	"admission-recovery-samples", "admission-sample-interval", "admission-max-wait",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg dataserver.Config
	cmd := &cobra.Command{
		Use:           "dataserver",
		Short:         "dataserver streams Wikipedia revisions with metadata to vandalism detectors and records their scores",
		SilenceErrors: true,
		Example: `
  # Local 7z dump and gzip metadata, results in ./out
  dataserver --revisions revisions.xml.7z --metadata metadata.csv.gz --output-dir ./out --port 8000

  # Datasets in MinIO (TLS on by default; append ?insecure=true for HTTP)
  DATASERVER_S3_ACCESS_KEY_ID=minioadmin DATASERVER_S3_SECRET_ACCESS_KEY=minioadmin \
    dataserver --revisions s3://minio:9000/wsdm/revisions.xml.zst --metadata s3://minio:9000/wsdm/metadata.csv.zst --output-dir /srv/out

  # Production evaluation behind TIRA
  dataserver --revisions /data/test.xml.7z --metadata /data/test.csv --output-dir /srv/out \
    --tira-path /srv/tira --tira-dataset wsdmcup17-vandalism-detection-test
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := baseLogger

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if viper.GetBool("server-log") && cfg.OutputDir != "" {
				f, err := openServerLog(cfg)
				if err != nil {
					return err
				}
				defer f.Close()
				logger = newLogger(io.MultiWriter(cmd.ErrOrStderr(), f))
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to dataserver",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := dataserver.NewServer(cfg, dataserver.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownDone := make(chan error, 1)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				shutdownDone <- server.Shutdown(shutdownCtx)
			}()
			if err := server.Start(); err != nil {
				_ = server.Close()
				return err
			}
			// Start only returns nil once Shutdown has begun; wait for the
			// running sessions it is draining.
			if err := <-shutdownDone; err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.dataserver/"+dataserver.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", dataserver.DefaultListen, "TCP listen address")
	flags.IntP("port", "p", 0, "TCP port to listen on all interfaces (overrides --listen)")
	flags.StringP("revisions", "r", "", "revision XML dump: path or s3://, aws://, azure:// URL (.7z, .zst, .gz, .bz2, .sz are decompressed)")
	flags.StringP("metadata", "m", "", "revision metadata CSV: path or s3://, aws://, azure:// URL")
	flags.StringP("output-dir", "o", "", "directory receiving <token>.csv results and logs")
	flags.Int("workers", dataserver.DefaultWorkers, "maximum concurrently served connections")
	flags.Int("window", dataserver.DefaultWindowSize, "revisions a client may hold unscored")
	flags.Int("queue-depth", dataserver.DefaultQueueDepth, "items buffered per extractor")
	flags.String("revision-buffer", humanizeBytes(dataserver.DefaultRevisionBuffer), "decompressed revision bytes read ahead per session")
	flags.String("metadata-buffer", humanizeBytes(dataserver.DefaultMetadataBuffer), "decompressed metadata bytes read ahead per session")
	flags.Duration("handshake-timeout", dataserver.DefaultHandshakeTimeout, "time a client has to send its token")
	flags.Int("max-line", dataserver.DefaultMaxLine, "maximum length of a line received from a client")
	flags.Duration("progress-interval", dataserver.DefaultProgressInterval, "interval between per-session progress logs")
	flags.Bool("session-logs", true, "write one log file per session into the output directory")
	flags.Bool("server-log", true, "also write the server log to <hostname>_<port>.log in the output directory")
	flags.Duration("shutdown-timeout", dataserver.DefaultShutdownTimeout, "time running sessions get to finish on shutdown")
	flags.String("tira-path", "", "TIRA installation root; enables token and client checks")
	flags.String("tira-dataset", "", "TIRA dataset name runs are filed under")
	flags.String("client-ip-prefix", dataserver.DefaultClientIPPrefix, "required client address prefix in TIRA mode")
	flags.String("spool-dir", "", "directory for temporary copies of remote 7z archives (defaults to the system temp dir)")
	flags.String("s3-access-key-id", "", "access key for s3:// sources (falls back to AWS/MinIO env and IAM)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// sources")
	flags.String("s3-session-token", "", "session token for s3:// sources")
	flags.String("s3-region", "", "region sent to s3:// endpoints")
	flags.String("aws-region", "", "region for aws:// sources")
	flags.String("aws-endpoint", "", "endpoint override for aws:// sources")
	flags.String("azure-key", "", "account key for azure:// sources")
	flags.String("azure-sas-token", "", "SAS token for azure:// sources")
	flags.String("azure-endpoint", "", "blob service endpoint override for azure:// sources")
	flags.Int("source-retry-attempts", dataserver.DefaultSourceRetryMaxAttempts, "attempts for transient dataset fetch failures")
	flags.Duration("source-retry-base-delay", dataserver.DefaultSourceRetryBaseDelay, "first backoff between dataset fetch retries")
	flags.Duration("source-retry-max-delay", dataserver.DefaultSourceRetryMaxDelay, "maximum backoff between dataset fetch retries")
	flags.Bool("connguard-enabled", true, "block peers that repeatedly fail the handshake")
	flags.Int("connguard-failure-threshold", dataserver.DefaultConnguardFailureThreshold, "failures within the window before a peer is blocked")
	flags.Duration("connguard-failure-window", dataserver.DefaultConnguardFailureWindow, "window failures are counted in")
	flags.Duration("connguard-block-duration", dataserver.DefaultConnguardBlockDuration, "how long a peer stays blocked")
	flags.Duration("connguard-probe-timeout", dataserver.DefaultConnguardProbeTimeout, "wait for a peer's first byte on accept (0 disables)")
	flags.Bool("admission-enabled", true, "delay or reject sessions under host memory pressure")
	flags.Float64("admission-memory-soft-limit-percent", dataserver.DefaultAdmissionMemorySoftLimitPercent, "memory usage that delays new sessions")
	flags.Float64("admission-memory-hard-limit-percent", dataserver.DefaultAdmissionMemoryHardLimitPercent, "memory usage that rejects new sessions")
	flags.Float64("admission-swap-soft-limit-percent", 0, "swap usage that delays new sessions (0 disables)")
	flags.Float64("admission-swap-hard-limit-percent", 0, "swap usage that rejects new sessions (0 disables)")
	flags.Int("admission-recovery-samples", dataserver.DefaultAdmissionRecoverySamples, "healthy samples before admission steps down")
	flags.Duration("admission-sample-interval", dataserver.DefaultAdmissionSampleInterval, "host memory sampling interval")
	flags.Duration("admission-max-wait", dataserver.DefaultAdmissionMaxWait, "longest a session waits while memory is above the soft limit")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port or grpc/grpcs/http/https URL)")
	flags.String("metrics-listen", dataserver.DefaultMetricsListen, "Prometheus /metrics listen address (empty disables)")
	flags.String("pprof-listen", dataserver.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics listener")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverNames {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(svcfields.WithSubsystem(baseLogger, "cli.client")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *dataserver.Config) error {
	cfg.Listen = viper.GetString("listen")
	if port := viper.GetInt("port"); port > 0 {
		cfg.Listen = net.JoinHostPort("", strconv.Itoa(port))
	}
	var err error
	if cfg.Revisions, err = pathutil.Location(viper.GetString("revisions")); err != nil {
		return fmt.Errorf("revisions: %w", err)
	}
	if cfg.Metadata, err = pathutil.Location(viper.GetString("metadata")); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if cfg.OutputDir, err = pathutil.Abs(viper.GetString("output-dir")); err != nil {
		return fmt.Errorf("output-dir: %w", err)
	}
	cfg.Workers = viper.GetInt("workers")
	cfg.WindowSize = viper.GetInt("window")
	cfg.QueueDepth = viper.GetInt("queue-depth")
	if cfg.RevisionBuffer, err = parseSize("revision-buffer"); err != nil {
		return err
	}
	if cfg.MetadataBuffer, err = parseSize("metadata-buffer"); err != nil {
		return err
	}
	cfg.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	cfg.MaxLine = viper.GetInt("max-line")
	cfg.ProgressInterval = viper.GetDuration("progress-interval")
	cfg.SessionLogs = viper.GetBool("session-logs")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	if cfg.TiraPath, err = pathutil.Abs(viper.GetString("tira-path")); err != nil {
		return fmt.Errorf("tira-path: %w", err)
	}
	cfg.TiraDataset = viper.GetString("tira-dataset")
	cfg.ClientIPPrefix = viper.GetString("client-ip-prefix")
	if cfg.SpoolDir, err = pathutil.Abs(viper.GetString("spool-dir")); err != nil {
		return fmt.Errorf("spool-dir: %w", err)
	}
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSEndpoint = viper.GetString("aws-endpoint")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.SourceRetryMaxAttempts = viper.GetInt("source-retry-attempts")
	cfg.SourceRetryBaseDelay = viper.GetDuration("source-retry-base-delay")
	cfg.SourceRetryMaxDelay = viper.GetDuration("source-retry-max-delay")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.AdmissionEnabled = viper.GetBool("admission-enabled")
	cfg.AdmissionMemorySoftLimitPercent = viper.GetFloat64("admission-memory-soft-limit-percent")
	cfg.AdmissionMemoryHardLimitPercent = viper.GetFloat64("admission-memory-hard-limit-percent")
	cfg.AdmissionSwapSoftLimitPercent = viper.GetFloat64("admission-swap-soft-limit-percent")
	cfg.AdmissionSwapHardLimitPercent = viper.GetFloat64("admission-swap-hard-limit-percent")
	cfg.AdmissionRecoverySamples = viper.GetInt("admission-recovery-samples")
	cfg.AdmissionSampleInterval = viper.GetDuration("admission-sample-interval")
	cfg.AdmissionMaxWait = viper.GetDuration("admission-max-wait")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return nil
}

func parseSize(key string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

// openServerLog opens <OutputDir>/<hostname>_<port>.log for appending.
func openServerLog(cfg dataserver.Config) (*os.File, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	_, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil || port == "" {
		port = strings.TrimPrefix(dataserver.DefaultListen, ":")
	}
	path := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%s.log", host, port))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}
	return f, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
