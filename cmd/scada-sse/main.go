// Package main provides the scada-sse server: paced SSE replay of
// historical wind-turbine SCADA databases.
//
// The server streams rows from read-only SQLite exports to browser clients
// over Server-Sent Events, pacing delivery to simulate live telemetry. The
// site catalog (which database files and turbine ranges exist) is a YAML
// file loaded at startup.
//
// Usage:
//
//	scada-sse -catalog catalog.yaml [options]
//
// Options:
//
//	-catalog PATH       Site/source catalog YAML (required, env: SCADA_CATALOG)
//	-port N             HTTP port (default: 8000, env: SCADA_PORT)
//	-nats-url URL       Mirror fan-out ticks to NATS (optional, env: NATS_URL)
//	-ch-host HOST       ClickHouse host for the emission archive (optional, env: CLICKHOUSE_HOST)
//	-ch-port N          ClickHouse port (default: 9000)
//	-ch-database DB     ClickHouse database (default: scada)
//	-ch-user USER       ClickHouse user (default: default)
//	-ch-password PASS   ClickHouse password
//	-pg-host HOST       PostgreSQL host for resume checkpoints (optional, env: POSTGRES_HOST)
//	-pg-port N          PostgreSQL port (default: 5432)
//	-pg-database DB     PostgreSQL database (default: scada_replay)
//	-pg-user USER       PostgreSQL user (default: scada)
//	-pg-password PASS   PostgreSQL password (default: scada)
//	-dev                Human-readable logs
//
// NATS, ClickHouse, and PostgreSQL are all optional: leave their host/URL
// flags empty and the server runs on SQLite alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"scada_replay/internal/api"
	"scada_replay/internal/archive"
	"scada_replay/internal/catalog"
	"scada_replay/internal/checkpoint"
	"scada_replay/internal/publish"
	"scada_replay/internal/replay"
)

func main() {
	catalogPath := flag.String("catalog", envOrDefault("SCADA_CATALOG", ""), "Site catalog YAML file")
	port := flag.Int("port", envOrDefaultInt("SCADA_PORT", 8000), "HTTP port")

	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS URL for tick mirroring (empty: disabled)")

	chHost := flag.String("ch-host", envOrDefault("CLICKHOUSE_HOST", ""), "ClickHouse host for the emission archive (empty: disabled)")
	chPort := flag.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse port")
	chDB := flag.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", "scada"), "ClickHouse database")
	chUser := flag.String("ch-user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")

	pgHost := flag.String("pg-host", envOrDefault("POSTGRES_HOST", ""), "PostgreSQL host for resume checkpoints (empty: disabled)")
	pgPort := flag.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgDB := flag.String("pg-database", envOrDefault("POSTGRES_DATABASE", "scada_replay"), "PostgreSQL database")
	pgUser := flag.String("pg-user", envOrDefault("POSTGRES_USER", "scada"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "scada"), "PostgreSQL password")

	dev := flag.Bool("dev", false, "Human-readable logs")
	flag.Parse()

	logger, err := buildLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *catalogPath == "" {
		fmt.Fprintln(os.Stderr, "-catalog is required")
		flag.Usage()
		os.Exit(2)
	}

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		logger.Fatal("catalog load failed", zap.String("path", *catalogPath), zap.Error(err))
	}
	logger.Info("catalog loaded",
		zap.Int("sites", len(cat.Sites)),
		zap.Int("sources", len(cat.Sources)))

	ctx := context.Background()
	var deps api.Deps

	if *natsURL != "" {
		pub, err := publish.Connect(*natsURL, logger)
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
		defer pub.Close()
		deps.Publisher = pub
		logger.Info("tick mirroring enabled", zap.String("nats_url", *natsURL))
	}

	if *chHost != "" {
		arch, err := archive.Open(ctx, archive.Config{
			Host:     *chHost,
			Port:     *chPort,
			Database: *chDB,
			User:     *chUser,
			Password: *chPassword,
		}, logger)
		if err != nil {
			logger.Fatal("clickhouse open failed", zap.Error(err))
		}
		defer func() { _ = arch.Close() }()
		if err := arch.CreateSchema(ctx); err != nil {
			logger.Fatal("clickhouse schema failed", zap.Error(err))
		}
		deps.Archive = arch
		logger.Info("emission archive enabled", zap.String("clickhouse", *chHost))
	}

	if *pgHost != "" {
		store, err := checkpoint.Open(ctx, checkpoint.Config{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		})
		if err != nil {
			logger.Fatal("postgres open failed", zap.Error(err))
		}
		defer store.Close()
		if err := store.CreateSchema(ctx); err != nil {
			logger.Fatal("postgres schema failed", zap.Error(err))
		}
		deps.Checkpoints = store
		logger.Info("resume checkpoints enabled", zap.String("postgres", *pgHost))
	}

	server := api.NewServer(cat, api.Config{
		Port:  *port,
		Floor: replay.DefaultFloor,
	}, deps, logger)

	if err := server.Run(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
