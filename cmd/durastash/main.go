package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	cfgpkg "github.com/whyjp/durastash/internal/config"
	"github.com/whyjp/durastash/internal/metrics"
	rtpkg "github.com/whyjp/durastash/internal/runtime"
	logpkg "github.com/whyjp/durastash/pkg/log"
)

func main() {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	var (
		configPath string
		dataDir    string
	)

	rootCmd := &cobra.Command{
		Use:   "durastash",
		Short: "DuraStash embedded queue CLI",
		Long:  "DuraStash is an embedded, durable, grouped message queue. This CLI drives a local store.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DURASTASH_CONFIG"), "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")

	openRuntime := func() (*rtpkg.Runtime, logpkg.Logger, error) {
		cfg, err := cfgpkg.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfgpkg.FromEnv(&cfg)
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		level, err := logpkg.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, nil, err
		}
		format := logpkg.TextFormat
		if cfg.Log.Format == "json" {
			format = logpkg.JSONFormat
		}
		logger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(format))

		rt, err := rtpkg.Open(rtpkg.Options{
			Config:  cfg,
			Logger:  logger,
			Metrics: metrics.NewStorageMetrics(prometheus.NewRegistry()),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return rt, logger, nil
	}

	// save
	saveCmd := &cobra.Command{
		Use:   "save [payload...]",
		Short: "Append payloads to a group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			for _, payload := range args {
				if err := rt.Store().Save(group, []byte(payload)); err != nil {
					return fmt.Errorf("save: %w", err)
				}
			}
			fmt.Printf("saved %d payload(s) to %s (session %s)\n", len(args), group, rt.Store().SessionID(group))
			return nil
		},
	}
	saveCmd.Flags().String("group", "default", "Group key")
	rootCmd.AddCommand(saveCmd)

	// load
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load up to N pending batches in FIFO order",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			max, _ := cmd.Flags().GetInt("max")
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Store().InitializeSession(group); err != nil {
				return err
			}
			results, err := rt.Store().LoadBatch(group, max)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			for _, r := range results {
				fmt.Printf("batch %s [%d, %d] %d payload(s)\n", r.BatchID, r.SequenceStart, r.SequenceEnd, len(r.Data))
				for _, d := range r.Data {
					fmt.Printf("  %s\n", d)
				}
			}
			if len(results) == 0 {
				fmt.Println("no pending batches")
			}
			return nil
		},
	}
	loadCmd.Flags().String("group", "default", "Group key")
	loadCmd.Flags().Int("max", 10, "Maximum batches to load")
	rootCmd.AddCommand(loadCmd)

	// ack
	ackCmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a batch, deleting it and its payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			batchID, _ := cmd.Flags().GetString("batch")
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Store().InitializeSession(group); err != nil {
				return err
			}
			ok, err := rt.Store().AcknowledgeBatch(group, batchID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("batch %s not found in group %s", batchID, group)
			}
			fmt.Println("acknowledged", batchID)
			return nil
		},
	}
	ackCmd.Flags().String("group", "default", "Group key")
	ackCmd.Flags().String("batch", "", "Batch id")
	_ = ackCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(ackCmd)

	// resave
	resaveCmd := &cobra.Command{
		Use:   "resave [remaining...]",
		Short: "Replace a loaded batch with its unprocessed tail",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			batchID, _ := cmd.Flags().GetString("batch")
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Store().InitializeSession(group); err != nil {
				return err
			}
			remaining := make([][]byte, 0, len(args))
			for _, a := range args {
				remaining = append(remaining, []byte(a))
			}
			if err := rt.Store().ResaveBatch(group, batchID, remaining); err != nil {
				return fmt.Errorf("resave: %w", err)
			}
			fmt.Printf("resaved %s with %d payload(s)\n", batchID, len(remaining))
			return nil
		},
	}
	resaveCmd.Flags().String("group", "default", "Group key")
	resaveCmd.Flags().String("batch", "", "Batch id")
	_ = resaveCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(resaveCmd)

	// peek
	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Print resident payloads without any state change",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Store().InitializeSession(group); err != nil {
				return err
			}
			payloads, err := rt.Store().PeekLoad(group)
			if err != nil {
				return err
			}
			for _, p := range payloads {
				fmt.Printf("%s\n", p)
			}
			fmt.Printf("%d payload(s) resident\n", len(payloads))
			return nil
		},
	}
	peekCmd.Flags().String("group", "default", "Group key")
	rootCmd.AddCommand(peekCmd)

	// sessions
	sessionsCmd := &cobra.Command{Use: "sessions", Short: "Session operations"}
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate sessions with stale heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")
			rt, logger, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			timeout := time.Duration(timeoutMs) * time.Millisecond
			if timeoutMs < 0 {
				timeout = rt.SessionTimeout()
			}
			n := rt.Store().CleanupTimeoutSessions(group, timeout)
			logger.Info("session cleanup finished", logpkg.Str("group", group), logpkg.Int("reclaimed", n))
			fmt.Printf("reclaimed %d session(s)\n", n)
			return nil
		},
	}
	cleanupCmd.Flags().String("group", "default", "Group key")
	cleanupCmd.Flags().Int64("timeout-ms", -1, "Staleness threshold in ms (default: configured sessionTimeoutMs)")
	sessionsCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(sessionsCmd)

	// roundtrip: sessions are per-process, so the full produce/consume cycle
	// runs inside one invocation
	roundtripCmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "Save, load, and acknowledge N payloads in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			count, _ := cmd.Flags().GetInt("count")
			rt, logger, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			start := time.Now()
			for i := 0; i < count; i++ {
				if err := rt.Store().Save(group, []byte(fmt.Sprintf("payload-%d", i))); err != nil {
					return fmt.Errorf("save %d: %w", i, err)
				}
			}
			saved := time.Since(start)

			loaded := 0
			for {
				results, err := rt.Store().LoadBatch(group, 16)
				if err != nil {
					return fmt.Errorf("load: %w", err)
				}
				if len(results) == 0 {
					break
				}
				for _, r := range results {
					loaded += len(r.Data)
					if _, err := rt.Store().AcknowledgeBatch(group, r.BatchID); err != nil {
						return fmt.Errorf("ack %s: %w", r.BatchID, err)
					}
				}
			}
			logger.Info("roundtrip finished",
				logpkg.Str("group", group), logpkg.Int("saved", count), logpkg.Int("loaded", loaded))
			fmt.Printf("saved %d in %s, loaded+acked %d in %s\n", count, saved, loaded, time.Since(start)-saved)
			if loaded != count {
				return fmt.Errorf("loaded %d of %d payloads", loaded, count)
			}
			return nil
		},
	}
	roundtripCmd.Flags().String("group", "default", "Group key")
	roundtripCmd.Flags().Int("count", 1000, "Number of payloads")
	rootCmd.AddCommand(roundtripCmd)

	// stats
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print storage engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			m := rt.DB().Metrics()
			fmt.Printf("wal size:        %s\n", humanize.IBytes(m.WAL.Size))
			fmt.Printf("memtable size:   %s\n", humanize.IBytes(m.MemTable.Size))
			fmt.Printf("disk space:      %s\n", humanize.IBytes(m.DiskSpaceUsage()))
			fmt.Printf("live sst tables: %d\n", m.Total().NumFiles)
			return nil
		},
	}
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
