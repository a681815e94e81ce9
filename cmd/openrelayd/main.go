// Command openrelayd is the process entry point: flag parsing, envfile
// loading, configuration loading, and signal-driven lifecycle management
// (SIGHUP reload, SIGINT/SIGTERM shutdown) around the pool/dialer/engine/
// acceptor core. Grounded on the teacher's root main.go.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mstausch/openrelay/internal/acceptor"
	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/dashboard"
	"github.com/mstausch/openrelay/internal/dialer"
	"github.com/mstausch/openrelay/internal/engine"
	"github.com/mstausch/openrelay/internal/logger"
	"github.com/mstausch/openrelay/internal/pool"
	"github.com/mstausch/openrelay/internal/stats"
)

var version string

const dashboardAddress = "127.0.0.1:8090"

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runServer(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("openrelayd version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting openrelayd proxy server")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Configuration loaded successfully")
	if len(cfg.Servers) > 0 {
		for i, server := range cfg.Servers {
			logger.Debug("Server %d: enabled=%v on %s", i, server.Enabled, server.ListenAddress)
		}
	} else {
		logger.Debug("No servers configured")
	}
	logger.Debug("Dial timeout: %d seconds", cfg.DialTimeoutSeconds)
	logger.Debug("Max concurrent connections: %d", cfg.MaxConcurrentConnections)

	return cfg, *configPathPtr
}

// server wires together the pool/dialer/engine core with one acceptor per
// enabled listener, plus the stats collector and dashboard side listener.
type server struct {
	cfg          *config.Config
	pool         *pool.Pool
	collector    stats.Collector
	dialer       *dialer.Dialer
	engine       *engine.Engine
	listeners    []net.Listener
	acceptors    []*acceptor.Acceptor
	dashboardSrv *http.Server
	wg           sync.WaitGroup
}

func newServer(cfg *config.Config) (*server, error) {
	collector, err := stats.NewCollector(cfg.Stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats collector: %w", err)
	}
	p := pool.New(collector)
	d, err := dialer.New(cfg, p)
	if err != nil {
		collector.Close()
		return nil, fmt.Errorf("failed to create dialer: %w", err)
	}
	eng := engine.New(p, d, collector)
	return &server{cfg: cfg, pool: p, collector: collector, dialer: d, engine: eng}, nil
}

// Start binds a listener and Acceptor for every enabled server config, plus
// a dashboard HTTP listener reporting on the first acceptor.
func (s *server) Start() error {
	for _, sc := range s.cfg.Servers {
		if !sc.Enabled {
			continue
		}
		ln, err := net.Listen("tcp", sc.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", sc.ListenAddress, err)
		}
		a := acceptor.New(ln, s.engine, sc.MaxConnections)
		s.listeners = append(s.listeners, ln)
		s.acceptors = append(s.acceptors, a)

		s.wg.Add(1)
		go func(a *acceptor.Acceptor, addr string) {
			defer s.wg.Done()
			logger.Info("openrelayd: listening on %s", addr)
			if err := a.Serve(); err != nil {
				logger.Debug("openrelayd: listener %s stopped: %v", addr, err)
			}
		}(a, sc.ListenAddress)
	}

	if len(s.acceptors) == 0 {
		return fmt.Errorf("no enabled listeners configured")
	}

	dash := dashboard.New(s.pool, s.acceptors[0], s.collector)
	s.dashboardSrv = &http.Server{Addr: dashboardAddress, Handler: dash.Handler()}
	go func() {
		logger.Info("openrelayd: dashboard listening on %s", dashboardAddress)
		if err := s.dashboardSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("openrelayd: dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every listener, shuts the dashboard down, drains the pool,
// and closes the stats collector.
func (s *server) Stop() error {
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			logger.Debug("openrelayd: error closing listener: %v", err)
		}
	}
	if s.dashboardSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.dashboardSrv.Shutdown(ctx); err != nil {
			logger.Error("openrelayd: error shutting down dashboard: %v", err)
		}
	}
	s.pool.Close()
	if err := s.collector.Close(); err != nil {
		logger.Error("openrelayd: error closing stats collector: %v", err)
	}
	s.wg.Wait()
	return nil
}

// runServer starts srv and manages its lifecycle, including signal
// handling and config-change-gated reloads.
func runServer(cfg *config.Config, configPath string) {
	srv, err := newServer(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize server: %v", err)
	}
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	currentCfg := cfg
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting server.")
				continue
			}
			logger.Info("Config changed. Restarting server...")
			if err := srv.Stop(); err != nil {
				logger.Error("Error stopping server for reload: %v", err)
			}
			newSrv, err := newServer(newCfg)
			if err != nil {
				logger.Fatal("Failed to rebuild server after reload: %v", err)
			}
			if err := newSrv.Start(); err != nil {
				logger.Fatal("Failed to restart server: %v", err)
			}
			srv = newSrv
			currentCfg = newCfg
			logger.Info("Server restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down...", sig)
			if err := srv.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables.
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
