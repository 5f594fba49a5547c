package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/db"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/geo"
	internalhttp "github.com/gestaozabele/geosync/internal/http"
	httpmiddleware "github.com/gestaozabele/geosync/internal/http/middleware"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/session"
	"github.com/gestaozabele/geosync/internal/storage"
	"github.com/gestaozabele/geosync/internal/sweeper"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("api encerrada com erro")
	}
}

func setupLogger(level, format string) {
	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis parse: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	geoRepo := geo.NewRepository(pool)
	nodes, err := geoRepo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("geo: %w", err)
	}
	tree, err := geo.NewTree(nodes)
	if err != nil {
		return fmt.Errorf("geo: %w", err)
	}
	if tree.Len() == 0 {
		log.Warn().Msg("hierarquia geográfica vazia; carregue com geoadmin load-geo")
	}

	var hlc *changelog.HLC
	if cfg.Sync.VersionSource == "hlc" {
		if hlc, err = changelog.NewHLC(cfg.Sync.NodeID, nil); err != nil {
			return fmt.Errorf("hlc: %w", err)
		}
	}
	tracker := changelog.NewTracker(changelog.NewPGStore(pool, hlc, nil))

	policy := conflict.DefaultPolicy()
	if cfg.Conflict.PolicyFile != "" {
		if policy, err = conflict.LoadPolicyFile(cfg.Conflict.PolicyFile); err != nil {
			return fmt.Errorf("política de conflitos: %w", err)
		}
	}

	archive, err := newArchive(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	lbacRepo := lbac.NewRepository(pool)
	cache := lbac.NewRedisCache(redisClient, cfg.LBAC.CacheTTL)
	engine := lbac.NewEngine(lbacRepo, cache, nil)
	scopes := lbac.NewService(lbacRepo, cache, tree, nil)

	devices := device.NewService(device.NewRepository(pool), device.Options{
		SingleActive:  cfg.Device.SingleActive,
		CredentialTTL: cfg.Device.CredentialTTL,
	})

	cursorRepo := session.NewCursorRepository(pool)
	tombstones := tombstone.NewService(tombstone.NewRepository(pool), devices, session.NewCursors(cursorRepo), archive, tombstone.Options{
		MaxPropagationAttempts: cfg.Tombstone.MaxPropagationAttempts,
		Retention:              cfg.Tombstone.Retention,
	})
	resolver := conflict.NewResolver(policy, tracker, conflict.NewRepository(pool), nil)

	manager := session.NewManager(session.Deps{
		Sessions:   session.NewRepository(pool),
		Cursors:    cursorRepo,
		Devices:    devices,
		Scopes:     scopes,
		Engine:     engine,
		Tracker:    tracker,
		Tombstones: tombstones,
		Resolver:   resolver,
		Tree:       tree,
	}, session.Options{
		MaxBatch:     cfg.Sync.MaxBatch,
		PageSize:     cfg.Sync.PullPageSize,
		MaxOpRetries: cfg.Sync.MaxOpRetries,
		RetryBackoff: cfg.Sync.RetryBackoff,
		IdleTimeout:  cfg.Sync.SessionTimeout,
	})
	devices.SetSessionTerminator(manager)
	resolver.SetApplier(manager)

	sweeperDeps := sweeper.Deps{
		Sessions:   manager,
		Tombstones: tombstones,
		Scopes:     scopes,
		Geo:        geo.NewLoader(geoRepo, tree),
		Runs:       sweeper.NewRepository(pool),
	}
	if notifier := sweeper.NewWebhookNotifier(cfg.Sweeper.ReviewWebhookURL); notifier != nil {
		sweeperDeps.Notifier = notifier
	}
	sweeperService := sweeper.NewService(sweeperDeps, cfg.Sweeper, log.With().Str("component", "sweeper").Logger())
	if err := sweeperService.Start(ctx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	defer sweeperService.Stop()

	handler := internalhttp.NewRouter(internalhttp.Deps{
		Config:      cfg,
		JWT:         auth.NewJWTManager(cfg.JWTSecret, cfg.JWTAccessTTL).WithAudience(cfg.JWTAudience),
		Sessions:    manager,
		Devices:     devices,
		Engine:      engine,
		Scopes:      scopes,
		Conflicts:   resolver,
		Tree:        tree,
		Sweeper:     sweeperService,
		SyncLimiter: httpmiddleware.NewRedisRateLimiter(redisClient, cfg.RateLimitSync.RequestsPerSecond, cfg.RateLimitSync.Burst),
		Checks: map[string]internalhttp.Check{
			"db":    pool.Ping,
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("API ouvindo em :%d", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("encerrando...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newArchive devolve o arquivador de lápides; sem bucket os lotes são descartados.
func newArchive(ctx context.Context, cfg config.ArchiveConfig) (*storage.Archive, error) {
	if !cfg.Enabled() {
		log.Warn().Msg("ARCHIVE_S3_BUCKET ausente; lápides coletadas não serão arquivadas")
		return storage.NewArchive(storage.NoopUploader{}, cfg.Prefix, nil), nil
	}
	uploader, err := storage.NewS3Uploader(ctx, storage.S3Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		PathStyle: cfg.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewArchive(uploader, cfg.Prefix, nil), nil
}
