// Command keymesh runs a standalone mesh node: it listens for peers,
// mirrors declarations, and routes samples and queries between them and
// any locally declared echo responder.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/keymesh-io/keymesh-go/internal/discovery"
	"github.com/keymesh-io/keymesh-go/internal/metrics"
	"github.com/keymesh-io/keymesh-go/internal/peerlink"
	"github.com/keymesh-io/keymesh-go/internal/session"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

const (
	appName    = "keymesh"
	appVersion = "0.1.0"
)

// fileConfig is the YAML configuration file schema.
type fileConfig struct {
	NodeID        string   `yaml:"node_id"`
	Listen        string   `yaml:"listen"`
	Peers         []string `yaml:"peers"`
	MetricsListen string   `yaml:"metrics_listen"`
	Workers       int      `yaml:"workers"`
	QueryTimeout  string   `yaml:"query_timeout"`
	LogLevel      string   `yaml:"log_level"`
	EchoKeyExpr   string   `yaml:"echo_keyexpr"`
}

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML configuration file")
		nodeID        = flag.String("node-id", "", "Unique node identifier (default: keymesh-<hostname>)")
		listenAddr    = flag.String("listen", ":7447", "Listen address for peer connections")
		connectPeers  = flag.String("connect", "", "Comma-separated peer addresses to connect to")
		metricsListen = flag.String("metrics-listen", "", "Listen address for Prometheus metrics (empty disables)")
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		echoKeyExpr   = flag.String("echo", "", "Declare an echo queryable on this key expression")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg := fileConfig{
		NodeID: defaultNodeID(),
		Listen: ":7447",
	}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fatalf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fatalf("failed to parse config file: %v", err)
		}
	}

	// Flags the user set explicitly win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = *nodeID
		case "listen":
			cfg.Listen = *listenAddr
		case "connect":
			cfg.Peers = splitPeers(*connectPeers)
		case "metrics-listen":
			cfg.MetricsListen = *metricsListen
		case "log-level":
			cfg.LogLevel = *logLevel
		case "echo":
			cfg.EchoKeyExpr = *echoKeyExpr
		}
	})
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting node", "app", appName, "version", appVersion,
		"node", cfg.NodeID, "listen", cfg.Listen)

	link, err := peerlink.NewGRPCLink(&peerlink.Config{
		NodeID:        cfg.NodeID,
		ListenAddress: cfg.Listen,
	})
	if err != nil {
		fatalf("failed to create peer link: %v", err)
	}

	stats := metrics.New()
	registry := prometheus.NewRegistry()
	if err := stats.Register(registry); err != nil {
		fatalf("failed to register metrics: %v", err)
	}

	sessConfig := session.NewConfig(cfg.NodeID, link).
		WithLogger(logger).
		WithMetrics(stats)
	if cfg.Workers > 0 {
		sessConfig.WithWorkers(cfg.Workers)
	}
	if cfg.QueryTimeout != "" {
		d, err := time.ParseDuration(cfg.QueryTimeout)
		if err != nil {
			fatalf("invalid query_timeout: %v", err)
		}
		sessConfig.WithQueryTimeout(d)
	}
	if len(cfg.Peers) > 0 {
		sessConfig.WithDiscovery(discovery.NewStaticDiscovery(cfg.Peers))
		logger.Info("connecting to peers", "peers", cfg.Peers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.Open(ctx, sessConfig)
	if err != nil {
		fatalf("failed to open session: %v", err)
	}
	defer func() {
		logger.Info("closing session")
		if err := sess.Close(); err != nil {
			logger.Warn("error closing session", "error", err)
		}
	}()

	if cfg.EchoKeyExpr != "" {
		_, err := sess.DeclareQueryable(ctx, cfg.EchoKeyExpr, func(q sessionpkg.Query) {
			_ = q.Reply(context.Background(), q.KeyExpr(), q.Value().Bytes())
		})
		if err != nil {
			fatalf("failed to declare echo queryable: %v", err)
		}
		logger.Info("echo queryable declared", "keyexpr", cfg.EchoKeyExpr)
	}

	if cfg.MetricsListen != "" {
		go serveMetrics(logger, cfg.MetricsListen, registry)
	}

	logger.Info("node started", "node", cfg.NodeID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig.String())
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "keymesh-node-1"
	}
	return fmt.Sprintf("keymesh-%s", hostname)
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func serveMetrics(logger *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
