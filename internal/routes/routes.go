package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgercore/ledgercore/internal/account"
	"github.com/ledgercore/ledgercore/internal/config"
	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/middleware"
	"github.com/ledgercore/ledgercore/internal/notification"
	"github.com/ledgercore/ledgercore/internal/reporting"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Notifier receives transfer notifications. Nil falls back to the logger.
	Notifier notification.Notifier
	// Clock overrides the engine clock; nil means time.Now.
	Clock func() time.Time
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	store, err := newStore(context.Background(), d)
	if err != nil {
		return err
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	engine := transfer.NewEngine(store, notifier, d.Logger, transfer.Options{
		DailyLimit:      d.Cfg.DailyLimit,
		MaxAmount:       d.Cfg.MaxAmount,
		DuplicateWindow: d.Cfg.DuplicateWindow,
		Location:        d.Cfg.Location,
		Clock:           d.Clock,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	transferHandler := transfer.NewHandler(engine)
	RegisterTransferRoutes(api, transferHandler)
	RegisterAccountRoutes(api, account.NewHandler(account.NewService(store)), transferHandler)
	RegisterReportRoutes(api, reporting.NewHandler(reporting.NewService(store, engine, d.Cfg.Location)))

	return nil
}

// newStore picks Postgres when a pool is configured and the in-memory store
// otherwise. Development environments get the fixture accounts.
func newStore(ctx context.Context, d Deps) (ledger.Store, error) {
	var store ledger.Store
	if d.DB != nil {
		pg := ledger.NewPostgresStore(d.DB, d.Cfg.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger schema: %w", err)
		}
		store = pg
	} else {
		store = ledger.NewMemoryStore(ledger.WithLockTimeout(d.Cfg.LockTimeout))
	}

	if d.Cfg.IsDevelopment() {
		if err := ledger.Seed(ctx, store, ledger.DevelopmentAccounts()...); err != nil {
			return nil, fmt.Errorf("seed accounts: %w", err)
		}
	}
	return store, nil
}
