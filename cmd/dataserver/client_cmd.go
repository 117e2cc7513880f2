package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/dataserver/internal/scoreclient"
	"pkt.systems/pslog"
)

func newClientCommand(logger pslog.Logger) *cobra.Command {
	var (
		addr         string
		token        string
		score        float64
		randomSeed   uint64
		random       bool
		revisionsOut string
		metadataOut  string
		dialTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a reference scoring client against a dataserver",
		Long: `client connects to a dataserver, sends its token, answers every revision
with a score and optionally saves the received XML and CSV. It is meant for
smoke tests and load checks, not for detection.`,
		Example: `
  dataserver client --addr localhost:8000 --token 3f1c... --score 0.5
  dataserver client --addr localhost:8000 --token demo --random --seed 7 --revisions-out revs.xml --metadata-out meta.csv
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg := scoreclient.Config{
				Addr:        addr,
				Token:       token,
				Score:       scoreclient.ConstantScore(score),
				DialTimeout: dialTimeout,
			}
			if random {
				cfg.Score = scoreclient.RandomScore(randomSeed)
			}
			var closers []io.Closer
			defer func() {
				for _, c := range closers {
					_ = c.Close()
				}
			}()
			if revisionsOut != "" {
				f, err := os.Create(revisionsOut)
				if err != nil {
					return fmt.Errorf("create revisions output: %w", err)
				}
				closers = append(closers, f)
				cfg.Revisions = f
			}
			if metadataOut != "" {
				f, err := os.Create(metadataOut)
				if err != nil {
					return fmt.Errorf("create metadata output: %w", err)
				}
				closers = append(closers, f)
				cfg.Metadata = f
			}
			begin := time.Now()
			stats, err := scoreclient.Run(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("client.finished",
				"pairs", stats.Pairs,
				"scores", stats.Scores,
				"bytes", stats.Bytes,
				"elapsed", time.Since(begin),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d revisions scored, %d bytes received\n", stats.Scores, stats.Bytes)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&addr, "addr", "a", "localhost:8000", "dataserver address")
	flags.StringVarP(&token, "token", "t", "", "access token sent in the handshake")
	flags.Float64Var(&score, "score", 0, "constant score reported for every revision")
	flags.BoolVar(&random, "random", false, "report random scores instead of --score")
	flags.Uint64Var(&randomSeed, "seed", 1, "seed for --random")
	flags.StringVar(&revisionsOut, "revisions-out", "", "write the received XML document to this file")
	flags.StringVar(&metadataOut, "metadata-out", "", "write the received metadata CSV to this file")
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "connection timeout")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
