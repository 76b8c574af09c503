package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/hostinger/nd6d/internal/api"
	"github.com/hostinger/nd6d/internal/config"
	"github.com/hostinger/nd6d/internal/kernel"
	"github.com/hostinger/nd6d/internal/logger"
	"github.com/hostinger/nd6d/internal/neighbor"
	"github.com/hostinger/nd6d/internal/prober"
	"github.com/hostinger/nd6d/internal/rtable"
	"github.com/hostinger/nd6d/internal/sniffer"
	"github.com/hostinger/nd6d/internal/transmit"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Interfaces are attached in addition to the configured ones.
	Interfaces []string
	// APIAddress overrides the API listen address.
	APIAddress string
	// Sniffer enables the ND sniffer.
	Sniffer bool
	// Debug enables debug logging.
	Debug bool
}

var rootCmd = &cobra.Command{
	Use:   "nd6d",
	Short: "IPv6 Neighbor Discovery cache daemon",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(rawCmd, cmd); err != nil {
			if errors.As(err, &Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringSliceVar(&cmd.Interfaces, "interface", nil, "Interface to run Neighbor Discovery on (repeatable)")
	rootCmd.Flags().StringVar(&cmd.APIAddress, "port", "", "Listen address for the API server")
	rootCmd.Flags().BoolVar(&cmd.Sniffer, "sniffer", false, "Enable ND sniffer mode")
	rootCmd.Flags().BoolVar(&cmd.Debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges command line overrides into the configuration file.
func loadConfig(rawCmd *cobra.Command, cmd Cmd) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(cmd.ConfigPath); err != nil {
			return nil, err
		}
	}

	cfg.Interfaces = append(cfg.Interfaces, cmd.Interfaces...)
	if rawCmd.Flags().Changed("port") {
		cfg.API.Listen = cmd.APIAddress
	}
	if cmd.Sniffer {
		cfg.Sniffer.Enabled = true
	}
	if cmd.Debug {
		cfg.Logging.Level = zapcore.DebugLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Interfaces) == 0 && !(cfg.Sniffer.Enabled && cfg.Sniffer.Pattern != "") {
		return nil, errors.New("you must specify --interface or a sniffer pattern")
	}
	return cfg, nil
}

func run(rawCmd *cobra.Command, cmd Cmd) error {
	cfg, err := loadConfig(rawCmd, cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := transmit.Listen()
	if err != nil {
		return err
	}
	sender := transmit.New(conn, transmit.WithLog(log))
	defer sender.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	table := rtable.New()
	options := []neighbor.Option{
		neighbor.WithLog(log),
		neighbor.WithRouter(table),
		neighbor.WithMetrics(neighbor.NewMetrics(reg)),
	}
	if cfg.Kernel.MirrorNeighbors {
		options = append(options, neighbor.WithObserver(kernel.NewMirror(kernel.WithLog(log))))
	}

	cache, err := neighbor.NewCache(cfg.ND, sender, options...)
	if err != nil {
		return fmt.Errorf("failed to initialize neighbor cache: %w", err)
	}

	attacher := kernel.NewAttacher(cache, table, sender, kernel.WithLog(log))
	for _, name := range cfg.Interfaces {
		if _, err := attacher.Attach(name); err != nil {
			return fmt.Errorf("failed to attach interface %q: %w", name, err)
		}
	}
	if err := installStatic(cfg, cache, attacher); err != nil {
		return err
	}

	a := &api.API{Cache: cache}

	var manager *sniffer.Manager
	if cfg.Sniffer.Enabled {
		manager, err = sniffer.NewManager(cfg.Sniffer, cache, sniffer.WithAttach(attacher.Attach))
		if err != nil {
			return fmt.Errorf("failed to initialize sniffer: %w", err)
		}
		a.Sniffer = manager
	}

	wg, ctx := errgroup.WithContext(context.Background())
	wg.Go(func() error {
		return cache.Run(ctx)
	})

	if manager != nil {
		wg.Go(func() error {
			return manager.Run(ctx, cfg.Interfaces)
		})
	}

	if cfg.Prober.Enabled {
		p := prober.New(cfg.Prober, cache, prober.WithLog(log), prober.WithRegisterer(reg))
		wg.Go(func() error {
			return p.Run(ctx)
		})
	}

	if cfg.Kernel.WatchLinks {
		w := kernel.NewWatcher(attacher, kernel.WithLog(log))
		wg.Go(func() error {
			return w.Run(ctx)
		})
	}

	if cfg.API.Listen != "" {
		wg.Go(func() error {
			return serve(ctx, log, cfg.API.Listen, a.Handler(reg))
		})
	}

	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// installStatic adds the configured permanent and proxy entries.
func installStatic(cfg *config.Config, cache *neighbor.Cache, attacher *kernel.Attacher) error {
	for _, e := range cfg.Static {
		ifindex, err := attacher.Attach(e.Interface)
		if err != nil {
			return fmt.Errorf("static entry %s: %w", e.Addr, err)
		}
		lladdr, err := e.HardwareAddr()
		if err != nil {
			return fmt.Errorf("static entry %s: %w", e.Addr, err)
		}
		if err := cache.AddStatic(e.Addr, ifindex, lladdr, e.Router); err != nil {
			return fmt.Errorf("failed to add static entry %s: %w", e.Addr, err)
		}
	}

	for _, e := range cfg.Proxy {
		ifindex, err := attacher.Attach(e.Interface)
		if err != nil {
			return fmt.Errorf("proxy entry %s: %w", e.Addr, err)
		}
		lladdr, err := e.HardwareAddr()
		if err != nil {
			return fmt.Errorf("proxy entry %s: %w", e.Addr, err)
		}
		if err := cache.AddProxy(e.Addr, ifindex, lladdr); err != nil {
			return fmt.Errorf("failed to add proxy entry %s: %w", e.Addr, err)
		}
	}
	return nil
}

func serve(ctx context.Context, log *zap.SugaredLogger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to shut down API server", zap.Error(err))
		}
	})
	defer stop()

	log.Infow("API server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
