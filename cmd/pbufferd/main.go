package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/denser/pbuffer/pkg/config"
	"github.com/denser/pbuffer/pkg/log"
	"github.com/denser/pbuffer/pkg/metrics"
	"github.com/denser/pbuffer/pkg/pbuffer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pbufferd",
	Short: "Proxy data buffer - hybrid memory/disk holding area for proxy-collected data",
	Long: `pbufferd runs the proxy data buffer: a hybrid in-memory/on-disk holding
area for history, discovery, and autoregistration records collected faster
than the upstream server can absorb them.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pbufferd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file (flags override it)")
	rootCmd.PersistentFlags().String("mode", "", "Buffer mode: disk, memory, or hybrid")
	rootCmd.PersistentFlags().Uint64("size", 0, "Memory arena size in bytes")
	rootCmd.PersistentFlags().Int64("max-age", 0, "Max age in seconds before memory records spill to disk")
	rootCmd.PersistentFlags().Int("offline-hours", 0, "Hours of data retained in the database while offline")
	rootCmd.PersistentFlags().String("db-path", "", "Path to the bbolt database file")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address the metrics/health HTTP server listens on")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	exportCmd.Flags().Int("limit", 100, "Maximum rows to serialize")
	exportCmd.Flags().Uint64("size-limit", 1<<20, "Stop once this many estimated bytes have been serialized")

	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(exportCmd)
}

func initLogging() {
	cfg, err := resolveConfig(rootCmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

// resolveConfig loads the optional TOML file and overlays any flags the
// caller actually set, following the same flags-win-over-file convention
// the rest of this CLI uses for every setting.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("size") {
		cfg.SizeBytes, _ = flags.GetUint64("size")
	}
	if flags.Changed("max-age") {
		cfg.MaxAgeSeconds, _ = flags.GetInt64("max-age")
	}
	if flags.Changed("offline-hours") {
		cfg.OfflineHours, _ = flags.GetInt("offline-hours")
	}
	if flags.Changed("db-path") {
		cfg.DBPath, _ = flags.GetString("db-path")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	return cfg, nil
}

func openBuffer(cmd *cobra.Command) (*pbuffer.Buffer, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	mode, err := pbuffer.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return pbuffer.Init(pbuffer.Config{
		Mode:          mode,
		SizeBytes:     cfg.SizeBytes,
		MaxAge:        time.Duration(cfg.MaxAgeSeconds) * time.Second,
		OfflineBuffer: time.Duration(cfg.OfflineHours) * time.Hour,
		DBPath:        cfg.DBPath,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	buf, err := openBuffer(cmd)
	if err != nil {
		return fmt.Errorf("failed to initialize buffer: %w", err)
	}
	defer buf.Close()

	metrics.RegisterComponent("pbuffer", true, "ready")
	metrics.RegisterComponent("dbstore", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	fmt.Printf("pbufferd %s started\n", Version)
	fmt.Printf("  instance:     %s\n", buf.ID())
	fmt.Printf("  mode:         %s\n", cfg.Mode)
	fmt.Printf("  db path:      %s\n", cfg.DBPath)
	fmt.Printf("  metrics/health: http://%s/{metrics,health,ready,live}\n", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("final flush failed: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush all in-memory records to the database and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := openBuffer(cmd)
		if err != nil {
			return err
		}
		defer buf.Close()
		if err := buf.Flush(); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		fmt.Println("flush complete")
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the buffer's current state and memory usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := openBuffer(cmd)
		if err != nil {
			return err
		}
		defer buf.Close()

		info, err := buf.GetStateInfo()
		if err != nil {
			return err
		}
		fmt.Printf("memory is write destination: %v\n", info.MemoryIsDest)
		fmt.Printf("state changes: %d\n", info.ChangesNum)

		mem, err := buf.GetMemInfo()
		if err == nil {
			fmt.Printf("memory used: %d / %d bytes\n", mem.Used, mem.Total)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export {history|discovery|autoreg}",
	Short: "Serialize pending rows to the wire upload format and print them",
	Long: `export reads up to --limit rows (or --size-limit estimated bytes) from
whichever backend the buffer currently reads from, elides fields matching
their schema default, and prints the resulting JSON payload to stdout -
exactly what an upload client would send upstream.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := openBuffer(cmd)
		if err != nil {
			return err
		}
		defer buf.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		sizeLimit, _ := cmd.Flags().GetUint64("size-limit")

		var payload []byte
		var lastID uint64
		var more bool
		switch args[0] {
		case "history":
			payload, lastID, more, err = buf.SerializeHistory(limit, sizeLimit)
		case "discovery":
			payload, lastID, more, err = buf.SerializeDiscovery(limit, sizeLimit)
		case "autoreg":
			payload, lastID, more, err = buf.SerializeAutoreg(limit, sizeLimit)
		default:
			return fmt.Errorf("unknown record type %q, want history, discovery, or autoreg", args[0])
		}
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		fmt.Println(string(payload))
		fmt.Fprintf(os.Stderr, "last id: %d, more: %v\n", lastID, more)
		return nil
	},
}
