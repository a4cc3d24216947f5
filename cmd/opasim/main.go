// Package main provides the opasim policy service simulator
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opsverify/opacheck/pkg/simulator"
	"github.com/opsverify/opacheck/pkg/userinfo"
)

// Config holds the simulator configuration
type Config struct {
	// Listen addresses
	DataAddr       string
	MetricsAddr    string
	AggregatorAddr string

	// Fixture selection
	TestType    string
	FixtureFile string

	// Bundle name reported by the bundle load counter
	BundleName string

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		DataAddr:       getEnv("OPASIM_ADDR", ":8181"),
		MetricsAddr:    getEnv("OPASIM_METRICS_ADDR", ":8081"),
		AggregatorAddr: getEnv("OPASIM_AGGREGATOR_ADDR", ":8686"),
		TestType:       getEnv("OPASIM_TEST_TYPE", "groupofnames-tls"),
		FixtureFile:    getEnv("OPASIM_FIXTURES", ""),
		BundleName:     getEnv("OPASIM_BUNDLE", simulator.DefaultBundleName),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg := DefaultConfig()

	setupLogging(cfg)

	set, err := loadFixtures(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load fixtures")
	}

	log.Info().
		Str("data_addr", cfg.DataAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("aggregator_addr", cfg.AggregatorAddr).
		Str("backend", set.Backend).
		Str("bundle", cfg.BundleName).
		Msg("Starting policy service simulator")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	server, err := simulator.NewServer(simulator.Config{
		Set:        set,
		BundleName: cfg.BundleName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start simulator")
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Event hub and decision pipeline
	g.Go(func() error {
		return server.Run(gCtx)
	})

	runListener(g, gCtx, "data", &http.Server{
		Addr:         cfg.DataAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	runListener(g, gCtx, "metrics", &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      server.MetricsRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	runListener(g, gCtx, "aggregator", &http.Server{
		Addr:         cfg.AggregatorAddr,
		Handler:      server.AggregatorRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	log.Info().Msg("Simulator shutdown complete")
}

// runListener starts srv and shuts it down gracefully when the group
// context ends
func runListener(g *errgroup.Group, ctx context.Context, name string, srv *http.Server) {
	g.Go(func() error {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server error: %w", name, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("server", name).Msg("Shutting down HTTP server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return srv.Shutdown(shutdownCtx)
	})
}

func loadFixtures(cfg Config) (userinfo.FixtureSet, error) {
	if cfg.FixtureFile != "" {
		return userinfo.LoadFixtureSet(cfg.FixtureFile)
	}
	return userinfo.BuiltinSet(cfg.TestType)
}

func setupLogging(cfg Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}
