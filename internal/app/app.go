package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vidfriends/accessgate/internal/config"
	"github.com/vidfriends/accessgate/internal/db"
	"github.com/vidfriends/accessgate/internal/export"
	"github.com/vidfriends/accessgate/internal/giftcodes"
	"github.com/vidfriends/accessgate/internal/handlers"
	"github.com/vidfriends/accessgate/internal/httpserver"
	"github.com/vidfriends/accessgate/internal/logging"
	"github.com/vidfriends/accessgate/internal/middleware"
	"github.com/vidfriends/accessgate/internal/storage"
)

const exportPrefix = "exports/"

// Run bootstraps the access gate application.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, seed, sweep, export, or codes")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "sweep":
		return runSweep(ctx)
	case "export":
		return runExport(ctx)
	case "codes":
		return runCodes(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// bootstrap loads configuration, installs the logger and wires the core.
// The returned cleanup releases every resource it opened.
func bootstrap(ctx context.Context) (context.Context, config.Config, *components, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, cfg, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return ctx, cfg, nil, nil, err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	ctx = logging.WithLogger(ctx, logger)

	pool, closePool, err := openPool(ctx, cfg)
	if err != nil {
		return ctx, cfg, nil, nil, err
	}

	c, err := buildComponents(ctx, pool, cfg)
	if err != nil {
		closePool()
		return ctx, cfg, nil, nil, err
	}

	cleanup := func() {
		if err := c.cleanup(); err != nil {
			logger.Warn("close redis client", "error", err)
		}
		closePool()
	}
	return ctx, cfg, c, cleanup, nil
}

func openPool(ctx context.Context, cfg config.Config) (db.Pool, func(), error) {
	if cfg.StorageBackend == "memory" {
		return nil, func() {}, nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func serve(ctx context.Context) error {
	ctx, cfg, c, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := logging.FromContext(ctx)
	if cfg.StorageBackend == "memory" {
		logger.Warn("using in-memory storage; gift codes and tokens are lost on restart")
	}

	deps := buildDependencies(c, cfg)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps)

	handler := middleware.RequestLogger(logger)(mux)

	srv := httpserver.New(cfg.AppPort, handler)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSweeper(ctx, c.service, cfg.SweepInterval)

	logger.Info("starting http server", "addr", srv.Addr(), "storage", cfg.StorageBackend)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

func runSweep(ctx context.Context) error {
	ctx, _, c, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := c.service.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d playback tokens, %d rate windows, expired %d gift codes\n",
		report.PlaybackTokens, report.RateWindows, report.ExpiredCodes)
	return nil
}

func runExport(ctx context.Context) error {
	ctx, cfg, c, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bucket, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}

	result, err := export.NewExporter(c.ledger, c.box, bucket, exportPrefix).Export(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d gift codes to %s\n", result.Codes, result.Location)
	return nil
}

func runCodes(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected codes command: create, list, or disable")
	}

	ctx, _, c, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return codesCommand(ctx, c.ledger, args, os.Stdout)
}

func codesCommand(ctx context.Context, ledger *giftcodes.Ledger, args []string, out io.Writer) error {
	enc := json.NewEncoder(out)

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("codes create", flag.ContinueOnError)
		code := fs.String("code", "", "explicit code; generated when empty")
		minutes := fs.Int("minutes", 0, "access duration granted on redemption")
		maxUses := fs.Int("max-uses", 0, "redemption cap; 0 is unlimited")
		expires := fs.String("expires", "", "RFC 3339 expiry")
		description := fs.String("description", "", "free-form description")
		display := fs.String("display", "", "human readable duration")
		allowIP := fs.String("allow-ip", "", "comma separated CIDR prefixes or addresses allowed to use the code")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		params := giftcodes.CreateParams{
			Code:            *code,
			DurationMinutes: *minutes,
			MaxUses:         *maxUses,
			Description:     *description,
			DurationDisplay: *display,
		}
		if *allowIP != "" {
			params.AllowedIPs = strings.Split(*allowIP, ",")
		}
		if *expires != "" {
			t, err := time.Parse(time.RFC3339, *expires)
			if err != nil {
				return fmt.Errorf("parse expires: %w", err)
			}
			params.ExpiresAt = &t
		}

		created, err := ledger.Create(ctx, params)
		if err != nil {
			return err
		}
		return enc.Encode(created)
	case "list":
		fs := flag.NewFlagSet("codes list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", 100, "maximum rows")
		offset := fs.Int("offset", 0, "rows to skip")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		codes, err := ledger.List(ctx, giftcodes.ListFilter{Status: giftcodes.Status(*status), Limit: *limit, Offset: *offset})
		if err != nil {
			return err
		}
		for _, c := range codes {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	case "disable":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("expected gift code id")
		}
		return ledger.Disable(ctx, strings.TrimSpace(args[1]))
	default:
		return fmt.Errorf("unknown codes command %q", args[0])
	}
}

const (
	migrationMaxRetries  = 3
	migrationBaseBackoff = 100 * time.Millisecond
	migrationMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

func runMigrations(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	migrationDir := cfg.MigrationDir
	if !filepath.IsAbs(migrationDir) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		migrationDir = filepath.Join(wd, migrationDir)
	}

	entries, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		migrations = append(migrations, entry.Name())
	}

	sort.Strings(migrations)

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
                version TEXT PRIMARY KEY,
                applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("fetch applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	switch command {
	case "status":
		for _, name := range migrations {
			if _, ok := applied[name]; ok {
				fmt.Printf("[x] %s\n", name)
			} else {
				fmt.Printf("[ ] %s\n", name)
			}
		}
		return nil
	case "up", "":
		if len(migrations) == 0 {
			fmt.Println("no migrations to apply")
			return nil
		}

		for _, name := range migrations {
			if _, ok := applied[name]; ok {
				continue
			}

			path := filepath.Join(migrationDir, name)
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}

			if err := applyMigrationWithRetry(ctx, conn, name, string(contents)); err != nil {
				return err
			}

			fmt.Printf("applied migration %s\n", name)
		}
		return nil
	case "down":
		return errors.New("down migrations are not supported yet")
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func runSeed(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected seed name (e.g. dev)")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	seedDir := cfg.SeedDir
	if !filepath.IsAbs(seedDir) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		seedDir = filepath.Join(wd, seedDir)
	}

	seedName := args[0]
	if !strings.HasSuffix(seedName, ".sql") {
		seedName = fmt.Sprintf("%s_seed.sql", seedName)
	}

	seedPath := filepath.Join(seedDir, seedName)
	contents, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", seedName, err)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("apply seed %s: %w", seedName, err)
	}

	fmt.Printf("applied seed %s\n", seedName)
	return nil
}

func applyMigrationWithRetry(ctx context.Context, conn *pgxpool.Conn, name string, contents string) error {
	var attempt int
	for attempt = 0; attempt < migrationMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * migrationBaseBackoff
			if backoff > migrationMaxBackoff {
				backoff = migrationMaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			timer.Stop()
		}

		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin migration transaction for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, contents); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error applying migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error recording migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error committing migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		return nil
	}

	return fmt.Errorf("apply migration %s: exceeded max retries (%d)", name, attempt)
}

func shouldRetryMigration(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgErrorCodes[pgErr.Code]; ok {
			return true
		}
	}

	if errors.Is(err, pgx.ErrTxClosed) {
		return true
	}

	return false
}
