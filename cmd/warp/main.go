// Package main provides the entry point for the warp tunnel.
// One binary covers both halves: serve mode runs the public-facing tunnel
// server, connect mode dials a server and claims a domain for a local
// address.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warptunnel/warp/internal/buildinfo"
	"github.com/warptunnel/warp/internal/client"
	"github.com/warptunnel/warp/internal/config"
	"github.com/warptunnel/warp/internal/logging"
	"github.com/warptunnel/warp/internal/server"
	"github.com/warptunnel/warp/internal/tui"
	"github.com/warptunnel/warp/internal/watcher"
)

// reconnectDelay paces connect-mode redials after a dropped tunnel.
const reconnectDelay = 5 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("warp version %s, commit %s, built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	_ = godotenv.Load()

	var (
		configPath  string
		connectMode bool
		tuiMode     bool
		port        int
		domain      string
		serverURL   string
		localAddr   string
		apiKey      string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.BoolVar(&connectMode, "connect", false, "Dial a tunnel server instead of serving")
	flag.BoolVar(&tuiMode, "tui", false, "Show the terminal dashboard in serve mode")
	flag.IntVar(&port, "port", 0, "Public listen port (serve mode, overrides config)")
	flag.StringVar(&domain, "domain", "", "Domain to claim (connect mode, overrides config)")
	flag.StringVar(&serverURL, "server", "", "Tunnel server URL (connect mode, overrides config)")
	flag.StringVar(&localAddr, "local-addr", "", "Local address to replay requests against (connect mode, overrides config)")
	flag.StringVar(&apiKey, "api-key", "", "API key for registration (connect mode, overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if domain != "" {
		cfg.Client.Domain = domain
	}
	if serverURL != "" {
		cfg.Client.Server = serverURL
	}
	if localAddr != "" {
		cfg.Client.LocalAddr = localAddr
	}
	if apiKey != "" {
		cfg.Client.APIKey = apiKey
	}
	if err := logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if connectMode {
		runConnect(ctx, cfg)
		return
	}
	runServe(ctx, cfg, configPath, tuiMode)
}

func runServe(ctx context.Context, cfg *config.Config, configPath string, tuiMode bool) {
	srv := server.New(server.Options{APIKeys: cfg.APIKeys, ConnectPath: cfg.ConnectPath})
	addr := fmt.Sprintf(":%d", cfg.Port)

	w := watcher.New(configPath, func(next *config.Config) {
		srv.SetAPIKeys(next.APIKeys)
		if err := logging.ConfigureLogOutput(next); err != nil {
			log.Warnf("reconfigure logging: %v", err)
		}
	})
	if err := w.Start(ctx); err != nil {
		log.Warnf("config watcher disabled: %v", err)
	}

	log.Infof("serving on %s (connect path %s, %d api keys)", addr, cfg.ConnectPath, len(cfg.APIKeys))

	if !tuiMode {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			log.Fatalf("serve: %v", err)
		}
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	tuiCtx, cancel := context.WithCancel(ctx)
	group.Go(func() error {
		defer cancel()
		return srv.ListenAndServe(tuiCtx, addr)
	})
	group.Go(func() error {
		defer cancel()
		return tui.Run(srv, addr)
	})
	if err := group.Wait(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// runConnect keeps one tunnel alive, redialling with a fixed delay whenever
// the connection drops, until the context ends.
func runConnect(ctx context.Context, cfg *config.Config) {
	opts := client.Options{
		APIKey:      cfg.Client.APIKey,
		Domain:      cfg.Client.Domain,
		Server:      cfg.Client.Server,
		LocalAddr:   cfg.Client.LocalAddr,
		ConnectPath: cfg.ConnectPath,
	}
	for {
		if ctx.Err() != nil {
			return
		}
		log.Infof("connecting to %s (domain %s -> %s)", opts.Server, opts.Domain, opts.LocalAddr)
		c, err := client.Connect(ctx, opts)
		if err != nil {
			log.Warnf("connect failed: %v, retrying in %s", err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.Close()
			<-c.Done()
			return
		case <-c.Done():
			if err := c.Err(); err != nil {
				log.Warnf("tunnel dropped: %v, retrying in %s", err, reconnectDelay)
			} else {
				log.Infof("tunnel closed, retrying in %s", reconnectDelay)
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
