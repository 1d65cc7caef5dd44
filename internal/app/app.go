package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/georide-trips/tripmap/internal/config"
	"github.com/georide-trips/tripmap/internal/events"
	"github.com/georide-trips/tripmap/internal/georide"
	"github.com/georide-trips/tripmap/internal/handler"
	"github.com/georide-trips/tripmap/internal/middleware"
	"github.com/georide-trips/tripmap/internal/service"
	"github.com/georide-trips/tripmap/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userAgent = "tripmap/1.0"

// DBError represents a database-related error.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error during %q: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

// App holds the application-level dependencies.
type App struct {
	Store  storage.Store
	Router *gin.Engine

	cfg       *config.Config
	publisher events.Publisher
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// New initializes the application: opens the configured store, runs
// migrations, wires the GeoRide client, cache, importer and event publisher,
// and configures the HTTP engine with routes.
func New(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	bg, stop := context.WithCancel(context.Background())
	a := &App{Store: store, cfg: cfg, publisher: publisher, stop: stop}

	// --- GeoRide upstream ---
	var tokens georide.TokenSource = georide.StaticToken(cfg.GeorideAPIToken)
	var fileTokens *georide.FileTokenStore
	if cfg.GeorideTokenFile != "" {
		fileTokens = georide.NewFileTokenStore(cfg.GeorideTokenFile, cfg.GeorideAPIToken)
		tokens = fileTokens
	}

	client := georide.NewClient(georide.Config{
		BaseURL:   cfg.GeorideBaseURL,
		Timeout:   cfg.GeorideTimeout,
		UserAgent: userAgent,
	}, tokens, georide.WithClientLogger(log.Printf))

	if fileTokens != nil {
		refresher := georide.NewRefresher(fileTokens, client,
			georide.WithRefreshInterval(cfg.TokenRefreshInterval),
			georide.WithRefresherLogger(log.Printf),
		)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			refresher.Run(bg)
		}()
		log.Printf("georide token refresh every %s (file %s)", cfg.TokenRefreshInterval, cfg.GeorideTokenFile)
	}

	cache := georide.NewPositionCache(client,
		georide.WithTTL(cfg.CacheTTL),
		georide.WithMaxEntries(cfg.CacheMaxEntries),
		georide.WithFetchTimeout(cfg.GeorideTimeout),
		georide.WithLogger(log.Printf),
	)

	// --- Domain dependencies ---
	importer := service.NewImporter(client, cache, store,
		service.WithMargin(cfg.ImportPositionMargin),
		service.WithStrategy(service.Strategy(cfg.ImportStrategy)),
		service.WithPublisher(publisher),
		service.WithImporterLogger(log.Printf),
	)
	h := handler.New(store, importer, service.NewGeorideProvider(client, cache), cache)

	// --- HTTP engine ---
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORSOrigin))
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	h.Register(router, middleware.APIKey(cfg.AdminKeyHash))
	if cfg.AdminKeyHash == "" {
		log.Println("warning: ADMIN_KEY_HASH not set, mutating routes are open")
	}

	a.Router = router
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DBDriver == "sqlite" {
		store, err := storage.OpenSQLite(ctx, cfg.DBDSN)
		if err != nil {
			return nil, &DBError{Op: "open_sqlite", Err: err}
		}
		log.Println("sqlite database ready")
		return store, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DBDSN)
	if err != nil {
		return nil, &DBError{Op: "parse_dsn", Err: err}
	}

	poolCfg.MaxConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &DBError{Op: "connect", Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &DBError{Op: "ping", Err: err}
	}

	log.Println("database connection pool established")

	if err := storage.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: run migrations: %w", err)
	}

	log.Println("database schema up to date")
	return storage.NewPostgresStore(pool), nil
}

func openPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	log.Printf("publishing import events to exchange %q", cfg.AMQPExchange)
	return p, nil
}

// Shutdown stops background work, then closes the publisher and the store.
func (a *App) Shutdown() {
	a.stop()
	a.wg.Wait()

	if err := a.publisher.Close(); err != nil {
		log.Printf("closing event publisher: %v", err)
	}
	if a.Store != nil {
		a.Store.Close()
		log.Println("database closed")
	}
}
