package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"imeibot/core/buildinfo"
	coreconfig "imeibot/core/config"
)

var (
	initOnce sync.Once
	levelVar slog.LevelVar

	// L is the base structured logger.
	L *slog.Logger

	// DB logs database events.
	DB *slog.Logger
	// MIG logs database migration events.
	MIG *slog.Logger
	// TG logs Telegram transport events.
	TG *slog.Logger
	// Ledger logs balance operations.
	Ledger *slog.Logger
	// Catalog logs service catalog operations.
	Catalog *slog.Logger
	// Lookup logs external provider calls.
	Lookup *slog.Logger
	// Pinger logs keep-alive activity.
	Pinger *slog.Logger
	// Admin logs privileged HTTP surface activity.
	Admin *slog.Logger
	// Bot logs command dispatch and conversation flow.
	Bot *slog.Logger
)

func init() {
	// Default wiring so packages can log before InitLogger runs (tests, early failures).
	wire(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar})))
}

// InitLogger configures the global structured logger. It may be called only once.
func InitLogger(cfg *coreconfig.Config) error {
	initOnce.Do(func() {
		levelVar.Set(selectLevel(cfg))

		opts := &slog.HandlerOptions{Level: &levelVar}
		var handler slog.Handler
		if selectFormat(cfg) == "text" {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}

		logger := slog.New(handler)
		wire(logger)
		slog.SetDefault(logger)
		logStartup(cfg)
	})
	return nil
}

func wire(logger *slog.Logger) {
	L = logger
	DB = L.With("component", "db")
	MIG = L.With("component", "db.migrate")
	TG = L.With("component", "tg")
	Ledger = L.With("component", "ledger")
	Catalog = L.With("component", "catalog")
	Lookup = L.With("component", "lookup")
	Pinger = L.With("component", "pinger")
	Admin = L.With("component", "admin")
	Bot = L.With("component", "bot")
}

func logStartup(cfg *coreconfig.Config) {
	attrs := []slog.Attr{
		slog.String("component", "app"),
		slog.String("event", "startup"),
		slog.String("go_version", runtime.Version()),
		slog.String("build_commit", buildinfo.Commit),
		slog.String("build_time", buildinfo.Date),
	}
	if cfg != nil {
		attrs = append(attrs, slog.String("cfg_profile", cfg.Logging.Profile))
	}
	L.LogAttrs(context.Background(), slog.LevelInfo, "startup", attrs...)
}

func selectLevel(cfg *coreconfig.Config) slog.Level {
	if cfg == nil {
		return slog.LevelInfo
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func selectFormat(cfg *coreconfig.Config) string {
	if cfg == nil {
		return "json"
	}
	raw := strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if raw == "text" || raw == "kv" || raw == "pretty" {
		return "text"
	}
	if raw == "" && (strings.EqualFold(cfg.Logging.Profile, "debug") || strings.EqualFold(cfg.Logging.Profile, "dev")) {
		return "text"
	}
	return "json"
}
