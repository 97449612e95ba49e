package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/VaultScan/internal/bomb"
	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/database"
	"github.com/dharsanguruparan/VaultScan/internal/logging"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
	"github.com/dharsanguruparan/VaultScan/internal/validation"
)

// errBomb makes bombcheck exit non-zero for flagged archives.
var errBomb = errors.New("archive flagged as decompression bomb")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vaultscan: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vaultscan",
		Short: "VaultScan operator CLI",
		Long: `vaultscan checks scan requests and archives locally, enqueues scans for the worker,
probes clamd and lists recorded scan results. Settings come from the same VAULTSCAN_*
environment (and .env file) as the services.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newValidateCmd(),
		newEnqueueCmd(),
		newBombCheckCmd(),
		newPingCmd(),
		newHistoryCmd(),
	)
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.json>",
		Short: "Validate a scan request without enqueuing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			req, err := readRequest(args[0], cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid %s request for %s\n", req.Payload.UploadType, req.Payload.URL)
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var maxRetry int
	cmd := &cobra.Command{
		Use:   "enqueue <file.json>",
		Short: "Validate a scan request and enqueue it for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			req, err := readRequest(args[0], cfg)
			if err != nil {
				return err
			}
			client := asynq.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
			defer client.Close()
			if !cmd.Flags().Changed("max-retry") {
				maxRetry = cfg.TaskMaxRetry
			}
			id, err := queue.EnqueueScan(cmd.Context(), client, req, maxRetry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", id)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRetry, "max-retry", 0, "Retry budget for the task (defaults to VAULTSCAN_TASK_MAX_RETRY)")
	return cmd
}

func newBombCheckCmd() *cobra.Command {
	var limits bomb.Limits
	cmd := &cobra.Command{
		Use:   "bombcheck <archive>",
		Short: "Inspect a local zip archive for decompression-bomb traits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res := bomb.New(limits).Inspect(data)
			if !res.IsBomb() {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Bomb.Code, res.Bomb.Message)
			return errBomb
		},
	}
	cmd.Flags().IntVar(&limits.MaxEntries, "max-entries", bomb.DefaultLimits.MaxEntries, "Maximum number of archive entries")
	cmd.Flags().Uint64Var(&limits.MaxUncompressed, "max-uncompressed", bomb.DefaultLimits.MaxUncompressed, "Maximum total declared uncompressed bytes")
	cmd.Flags().Float64Var(&limits.MaxRatio, "max-ratio", bomb.DefaultLimits.MaxRatio, "Maximum compression ratio")
	return cmd
}

func newPingCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that clamd answers PING and print its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			scanner, err := clamd.New(clamd.Options{
				Addr:         cfg.ClamAVAddr,
				PoolSize:     1,
				ProbeTimeout: timeout,
			}, logging.Discard())
			if err != nil {
				return err
			}
			defer scanner.Close()
			if err := scanner.Probe(cmd.Context()); err != nil {
				return err
			}
			version, err := scanner.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s (%s)\n", cfg.ClamAVAddr, version)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Probe timeout")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var url string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent scan results from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("VAULTSCAN_DATABASE_URL is not set")
			}
			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()
			results, err := repository.NewScanRepository(pool).Recent(cmd.Context(), url, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Only show results for this file URL")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

// readRequest decodes a request file and checks its upload type is routable.
func readRequest(path string, cfg *config.Config) (*model.ScanRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req, err := validation.Decode(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.UploadType(req.Payload.UploadType); !ok {
		return nil, fmt.Errorf("unknown upload type %q", req.Payload.UploadType)
	}
	return req, nil
}

func printResults(w io.Writer, results []repository.ScanResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tVERDICT\tUPLOAD TYPE\tURL\tDETAIL")
	for _, r := range results {
		detail := r.Signature
		switch {
		case r.BombCode != "":
			detail = r.BombCode
		case r.ErrorKind != "":
			detail = r.ErrorKind
		}
		verdict := r.Verdict
		if verdict == "" {
			verdict = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format(time.RFC3339), verdict, r.UploadType, r.URL, detail)
	}
	return tw.Flush()
}
