// Command imeibot runs the IMEI lookup bot: Telegram transport, Postgres
// ledger and catalog, the paid provider client, the keep-alive loop and the
// admin HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coreconfig "imeibot/core/config"
	"imeibot/core/database"
	"imeibot/core/logger"
	"imeibot/internal/autopinger"
	"imeibot/internal/broadcast"
	"imeibot/internal/catalog"
	"imeibot/internal/checker"
	"imeibot/internal/dispatcher"
	"imeibot/internal/ledger"
	"imeibot/internal/server"
	"imeibot/internal/telegram"
)

const pendingRecoveryAge = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("imeibot: %v", err)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	dbCfg, err := loadDatabaseConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load database config: %w", err)
	}
	if err := database.RunMigrations(dbCfg); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	db, err := database.Connect(dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ledgerStore := ledger.New(db)
	catalogStore := catalog.New(db)

	// Refund debits orphaned by a crash between debit and provider reply.
	if recovered, err := ledgerStore.RecoverPending(ctx, pendingRecoveryAge); err != nil {
		logger.Ledger.Error("pending recovery failed",
			slog.String("event", "ledger.recover.fail"),
			slog.String("error", err.Error()),
		)
	} else if recovered > 0 {
		logger.Ledger.Info("pending debits refunded",
			slog.String("event", "ledger.recover"),
			slog.Int("count", recovered),
		)
	}

	pinger := autopinger.New(cfg.Autopinger)
	sender := &lazySender{}
	pool := broadcast.NewPool(sender, broadcast.Options{Throttle: 50 * time.Millisecond})
	defer pool.Close()

	disp := dispatcher.New(cfg.Telegram.OwnerID, ledgerStore, catalogStore, checker.New(cfg.Provider), pinger, pool, sender)

	bot, err := telegram.New(cfg, disp)
	if err != nil {
		return err
	}
	sender.set(bot)

	pinger.Start()
	defer pinger.Stop()

	if cfg.Admin.Listen != "" {
		srv := server.New(cfg.Admin, ledgerStore, catalogStore, pinger, pool)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Admin.Error("admin server failed",
					slog.String("event", "admin.fail"),
					slog.String("error", err.Error()),
				)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return bot.Run(ctx)
}

// loadDatabaseConfig reads the database section of the same YAML file plus
// DB_* environment overrides. It lives outside coreconfig because the logger
// sits between the two packages.
func loadDatabaseConfig(path string) (database.Config, error) {
	var wrap struct {
		Database database.Config `yaml:"database"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return database.Config{}, err
	}
	if err := yaml.Unmarshal(data, &wrap); err != nil {
		return database.Config{}, err
	}
	if err := envconfig.Process("", &wrap.Database); err != nil {
		return database.Config{}, err
	}
	if wrap.Database.Host == "" {
		return database.Config{}, errors.New("database.host is required")
	}
	return wrap.Database, nil
}

// lazySender lets the broadcast pool and the dispatcher's interim notices
// exist before the bot they deliver through. Traffic only flows once the
// bot is wired in.
type lazySender struct {
	mu  sync.RWMutex
	dst broadcast.Sender
}

func (l *lazySender) set(s broadcast.Sender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dst = s
}

func (l *lazySender) Send(chatID int64, text string) error {
	l.mu.RLock()
	dst := l.dst
	l.mu.RUnlock()
	if dst == nil {
		return errors.New("broadcast sender not ready")
	}
	return dst.Send(chatID, text)
}
