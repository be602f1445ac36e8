package commands

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/goipmi/internal/config"
	"github.com/dantte-lp/goipmi/internal/ipmi"
	ipmimetrics "github.com/dantte-lp/goipmi/internal/metrics"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string

	// host and port identify the managed system.
	host string
	port uint16

	// username and password are the IPMI credentials.
	username string
	password string

	// suiteID selects the cipher suite for session establishment.
	suiteID uint8

	// cfg is the loaded configuration, populated in PersistentPreRunE.
	cfg *config.Config

	// logger is the process logger, populated in PersistentPreRunE.
	logger *slog.Logger
)

// rootCmd is the top-level cobra command for goipmi.
var rootCmd = &cobra.Command{
	Use:   "goipmi",
	Short: "IPMI v2.0 / RMCP+ client",
	Long:  "goipmi talks to baseboard management controllers over RMCP+ sessions.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger = newLogger(cfg.Log)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "",
		"managed system address")
	rootCmd.PersistentFlags().Uint16Var(&port, "port", ipmi.UDPPort,
		"managed system UDP port")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "U", "",
		"IPMI user name")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "P", "",
		"IPMI user password")
	rootCmd.PersistentFlags().Uint8Var(&suiteID, "cipher-suite", 3,
		"RMCP+ cipher suite ID")

	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(ciphersCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newManager builds a connection manager from the loaded configuration
// and optionally serves the Prometheus endpoint.
func newManager() (*ipmi.Manager, error) {
	var opts []ipmi.ManagerOption
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, ipmi.WithManagerMetrics(ipmimetrics.NewCollector(reg)))
		go serveMetrics(reg)
	}

	return ipmi.NewManager(ipmi.ManagerConfig{
		LocalAddr:      cfg.IPMI.LocalAddr,
		PingPeriod:     cfg.IPMI.PingPeriod,
		RequestTimeout: cfg.IPMI.RequestTimeout,
		Retries:        cfg.IPMI.Retries,
		TimerPoolSize:  cfg.IPMI.TimerPoolSize,
	}, logger, opts...)
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
	}
}

// remoteAddr resolves the --host/--port flags.
func remoteAddr() (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPort{}, fmt.Errorf("--host is required")
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse host %q: %w", host, err)
	}
	return netip.AddrPortFrom(addr, port), nil
}
