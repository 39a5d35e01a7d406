// Command transitd is the process entrypoint for the real-time transit
// arrival aggregator of spec.md: it wires the Engine Facade from
// configuration and exposes its public operations as CLI subcommands,
// following the teacher's cobra-based cryptorun CLI
// (_examples/sawpanic-cryptorun/src/cmd/cryptorun/main.go).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Commute-Live/Server-sub001/internal/bus"
	"github.com/Commute-Live/Server-sub001/internal/config"
	"github.com/Commute-Live/Server-sub001/internal/engine"
	"github.com/Commute-Live/Server-sub001/internal/providerreg"
	"github.com/Commute-Live/Server-sub001/internal/store"
	"github.com/Commute-Live/Server-sub001/internal/sub"
)

var (
	configPath string
	redisAddr  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "transitd",
	Short: "Real-time transit arrival aggregator",
	Long: `transitd fans device subscriptions out to upstream transit feeds,
caches normalized arrival payloads, and pushes per-device render commands
to /device/<id>/commands.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine's refresh and push loops until interrupted",
	RunE:  runServe,
}

var refreshKeyCmd = &cobra.Command{
	Use:   "refresh-key [providerId] [type] [k1=v1,k2=v2,...]",
	Short: "Force an immediate refresh of a single provider key",
	Args:  cobra.ExactArgs(3),
	RunE:  runRefreshKey,
}

var refreshDeviceCmd = &cobra.Command{
	Use:   "refresh-device [deviceId]",
	Short: "Force an immediate refresh of every key a device subscribes to",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefreshDevice,
}

var reloadSubsCmd = &cobra.Command{
	Use:   "reload-subscriptions",
	Short: "Reload subscriptions, rebuild fanout, and run one refresh pass",
	RunE:  runReloadSubscriptions,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config overlay")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "redis address (empty selects the in-memory store)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, refreshKeyCmd, refreshDeviceCmd, reloadSubsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "transitd: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds a zerolog.Logger whose output format follows whether
// stderr is an interactive terminal: a human-readable ConsoleWriter when
// attached to one (the teacher's cmd/cryptorun/main.go does the same
// term.IsTerminal check for its own console writer), raw JSON lines
// otherwise so supervised/piped runs stay machine-parseable.
func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(logWriter()).Level(lvl).With().Timestamp().Logger()
}

// logWriter picks console vs JSON output based on whether stderr is a TTY.
func logWriter() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return os.Stderr
}

func newStore(log zerolog.Logger) store.Store {
	if redisAddr == "" {
		return store.NewMemory()
	}
	log.Info().Str("addr", redisAddr).Msg("transitd: using redis store")
	return store.NewRedisAddr(redisAddr)
}

// noopLoadSubscriptions is the default "load subscriptions" callback. The
// relational subscription store is out of scope per spec.md §1; production
// deployments inject a real implementation by constructing engine.Engine
// themselves instead of going through this CLI's default wiring.
func noopLoadSubscriptions(context.Context) ([]sub.Subscription, error) {
	return nil, nil
}

func newEngine(log zerolog.Logger) *engine.Engine {
	cfg := config.Load(configPath)
	reg := providerreg.Default()
	st := newStore(log)
	pub := bus.NewLogPublisher(log)
	return engine.NewWithRegisterer(cfg, reg, st, pub, log, noopLoadSubscriptions, prometheus.DefaultRegisterer)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()
	e := newEngine(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("transitd: start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("transitd: shutting down")
	e.Stop()
	return nil
}

func runRefreshKey(cmd *cobra.Command, args []string) error {
	log := newLogger()
	e := newEngine(log)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	params, err := parseParams(args[2])
	if err != nil {
		return err
	}
	plugin, ok := providerreg.Default().Get(args[0])
	if !ok {
		return fmt.Errorf("transitd: unknown provider %q", args[0])
	}
	k, err := plugin.ToKey(args[1], params)
	if err != nil {
		return fmt.Errorf("transitd: build key: %w", err)
	}
	return e.RefreshKey(ctx, k)
}

func runRefreshDevice(cmd *cobra.Command, args []string) error {
	log := newLogger()
	e := newEngine(log)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()
	return e.RefreshDevice(ctx, args[0])
}

func runReloadSubscriptions(cmd *cobra.Command, args []string) error {
	log := newLogger()
	e := newEngine(log)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()
	return e.ReloadSubscriptions(ctx)
}

func parseParams(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			pair := raw[start:i]
			start = i + 1
			if pair == "" {
				continue
			}
			eq := -1
			for j := 0; j < len(pair); j++ {
				if pair[j] == '=' {
					eq = j
					break
				}
			}
			if eq < 0 {
				return nil, fmt.Errorf("transitd: malformed param %q, want k=v", pair)
			}
			out[pair[:eq]] = pair[eq+1:]
		}
	}
	return out, nil
}
