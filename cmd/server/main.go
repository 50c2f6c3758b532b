package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"mediaforge/internal/api"
	"mediaforge/internal/auth"
	"mediaforge/internal/blob"
	"mediaforge/internal/database"
	"mediaforge/internal/governor"
	"mediaforge/internal/jobqueue"
	"mediaforge/internal/media"
	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/notify"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/pipeline"
	"mediaforge/internal/ratelimit"
	"mediaforge/internal/server"
	"mediaforge/internal/serverutil"
	"mediaforge/internal/stream"
	"mediaforge/internal/upload"
	"mediaforge/internal/validation"
)

const (
	queueShutdownTimeout = 10 * time.Second
	closeTimeout         = 5 * time.Second
)

type config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	TLSCert   string
	TLSKey    string

	TempDir      string
	OriginalDir  string
	EncodedDir   string
	ThumbnailDir string
	BlobDir      string

	FFmpegPath  string
	FFprobePath string

	JobTimeout    time.Duration
	MaxAttempts   int
	LoadThreshold float64
	ThumbnailHigh int
	ThumbnailLow  int

	StoreDriver      string
	PostgresDSN      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresAppName  string
	SkipMigrations   bool

	RelayDriver     string
	RedisAddr       string
	RedisAddrs      []string
	RedisUsername   string
	RedisPassword   string
	RedisMasterName string
	RedisStream     string

	RateClient       ratelimit.Rule
	RateGlobal       ratelimit.Rule
	RateRedisAddr    string
	DisableRateLimit bool

	JWTSecret   string
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	S3 blob.S3Config

	CORSOrigins   []string
	UploadMaxAge  time.Duration
	SweepInterval time.Duration
}

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before configuration is resolved")
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	tempDir := flag.String("temp-dir", "", "directory holding partial upload chunks")
	originalDir := flag.String("original-dir", "", "directory holding assembled originals")
	encodedDir := flag.String("encoded-dir", "", "directory holding encoded renditions")
	thumbnailDir := flag.String("thumbnail-dir", "", "directory holding thumbnails")
	blobDir := flag.String("blob-dir", "", "local directory mirroring renditions and thumbnails")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	jobTimeout := flag.Duration("job-timeout", 0, "upper bound for a single job attempt")
	maxAttempts := flag.Int("job-max-attempts", 0, "attempts before a job is marked failed")
	loadThreshold := flag.Float64("load-threshold", 0, "one minute load average that reduces concurrency")
	thumbnailHigh := flag.Int("thumbnail-concurrency", 0, "thumbnail concurrency under normal load")
	thumbnailLow := flag.Int("thumbnail-concurrency-loaded", 0, "thumbnail concurrency under load")
	storeDriver := flag.String("store-driver", "", "metadata and job store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	skipMigrations := flag.Bool("skip-migrations", false, "do not apply database migrations on boot")
	relayDriver := flag.String("relay-driver", "", "event relay driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the event relay")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the event relay")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisStream := flag.String("redis-stream", "", "Redis stream key carrying pipeline events")
	rateClientLimit := flag.Int("rate-upload-limit", 0, "upload requests allowed per client IP and window")
	rateClientWindow := flag.Duration("rate-upload-window", 0, "window for counting per client upload requests")
	rateGlobalLimit := flag.Int("rate-global-limit", 0, "upload requests allowed across all clients per window")
	rateGlobalWindow := flag.Duration("rate-global-window", 0, "window for counting global upload requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for shared upload throttling")
	disableRateLimit := flag.Bool("rate-disable", false, "disable upload throttling")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for bearer tokens")
	jwksURL := flag.String("jwks-url", "", "JWKS endpoint for bearer tokens")
	jwtIssuer := flag.String("jwt-issuer", "", "required token issuer")
	jwtAudience := flag.String("jwt-audience", "", "required token audience")
	s3Bucket := flag.String("s3-bucket", "", "bucket mirroring renditions and thumbnails")
	s3Region := flag.String("s3-region", "", "bucket region")
	s3Endpoint := flag.String("s3-endpoint", "", "custom endpoint for S3 compatible services")
	s3Prefix := flag.String("s3-prefix", "", "object key prefix")
	s3AccessKey := flag.String("s3-access-key", "", "static access key")
	s3SecretKey := flag.String("s3-secret-key", "", "static secret key")
	s3PathStyle := flag.Bool("s3-path-style", false, "use path style bucket addressing")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	uploadMaxAge := flag.Duration("upload-max-age", 0, "age after which an unfinished upload is discarded")
	sweepInterval := flag.Duration("upload-sweep-interval", 0, "interval between abandoned upload sweeps")
	flag.Parse()

	envLoadErr := loadEnvFile(*envFile)

	cfg := config{
		Addr:      firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_ADDR"), ":8080"),
		LogLevel:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL"), "info"),
		LogFormat: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
		TLSCert:   firstNonEmpty(*tlsCert, os.Getenv("MEDIAFORGE_TLS_CERT")),
		TLSKey:    firstNonEmpty(*tlsKey, os.Getenv("MEDIAFORGE_TLS_KEY")),

		TempDir:      firstNonEmpty(*tempDir, os.Getenv("MEDIAFORGE_TEMP_DIR"), filepath.Join("videos", "temp")),
		OriginalDir:  firstNonEmpty(*originalDir, os.Getenv("MEDIAFORGE_ORIGINAL_DIR"), filepath.Join("videos", "original")),
		EncodedDir:   firstNonEmpty(*encodedDir, os.Getenv("MEDIAFORGE_ENCODED_DIR"), filepath.Join("videos", "encoded")),
		ThumbnailDir: firstNonEmpty(*thumbnailDir, os.Getenv("MEDIAFORGE_THUMBNAIL_DIR"), "thumbnails"),
		BlobDir:      firstNonEmpty(*blobDir, os.Getenv("MEDIAFORGE_BLOB_DIR")),

		FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("MEDIAFORGE_FFMPEG")),
		FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("MEDIAFORGE_FFPROBE")),

		JobTimeout:    resolveDuration(*jobTimeout, "MEDIAFORGE_JOB_TIMEOUT", 30*time.Minute),
		MaxAttempts:   resolveInt(*maxAttempts, "MEDIAFORGE_JOB_MAX_ATTEMPTS", models.DefaultMaxAttempts),
		LoadThreshold: resolveFloat(*loadThreshold, "MEDIAFORGE_LOAD_THRESHOLD", 1.5),
		ThumbnailHigh: resolveInt(*thumbnailHigh, "MEDIAFORGE_THUMBNAIL_CONCURRENCY", 4),
		ThumbnailLow:  resolveInt(*thumbnailLow, "MEDIAFORGE_THUMBNAIL_CONCURRENCY_LOADED", 2),

		StoreDriver:      strings.ToLower(firstNonEmpty(*storeDriver, os.Getenv("MEDIAFORGE_STORE_DRIVER"))),
		PostgresDSN:      firstNonEmpty(*postgresDSN, os.Getenv("MEDIAFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		PostgresMaxConns: resolveInt(*postgresMaxConns, "MEDIAFORGE_POSTGRES_MAX_CONNS", 0),
		PostgresMinConns: resolveInt(*postgresMinConns, "MEDIAFORGE_POSTGRES_MIN_CONNS", 0),
		PostgresAppName:  firstNonEmpty(*postgresAppName, os.Getenv("MEDIAFORGE_POSTGRES_APP_NAME"), "mediaforge"),
		SkipMigrations:   resolveBool(*skipMigrations, "MEDIAFORGE_SKIP_MIGRATIONS"),

		RelayDriver:     strings.ToLower(firstNonEmpty(*relayDriver, os.Getenv("MEDIAFORGE_RELAY_DRIVER"))),
		RedisAddr:       firstNonEmpty(*redisAddr, os.Getenv("MEDIAFORGE_REDIS_ADDR")),
		RedisAddrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("MEDIAFORGE_REDIS_ADDRS"))),
		RedisUsername:   firstNonEmpty(*redisUsername, os.Getenv("MEDIAFORGE_REDIS_USERNAME")),
		RedisPassword:   firstNonEmpty(*redisPassword, os.Getenv("MEDIAFORGE_REDIS_PASSWORD")),
		RedisMasterName: firstNonEmpty(*redisMasterName, os.Getenv("MEDIAFORGE_REDIS_MASTER_NAME")),
		RedisStream:     firstNonEmpty(*redisStream, os.Getenv("MEDIAFORGE_REDIS_STREAM")),

		RateClient: ratelimit.Rule{
			Limit:  resolveInt(*rateClientLimit, "MEDIAFORGE_RATE_UPLOAD_LIMIT", ratelimit.DefaultPerClient.Limit),
			Window: resolveDuration(*rateClientWindow, "MEDIAFORGE_RATE_UPLOAD_WINDOW", ratelimit.DefaultPerClient.Window),
		},
		RateGlobal: ratelimit.Rule{
			Limit:  resolveInt(*rateGlobalLimit, "MEDIAFORGE_RATE_GLOBAL_LIMIT", ratelimit.DefaultGlobal.Limit),
			Window: resolveDuration(*rateGlobalWindow, "MEDIAFORGE_RATE_GLOBAL_WINDOW", ratelimit.DefaultGlobal.Window),
		},
		RateRedisAddr:    firstNonEmpty(*rateRedisAddr, os.Getenv("MEDIAFORGE_RATE_REDIS_ADDR")),
		DisableRateLimit: resolveBool(*disableRateLimit, "MEDIAFORGE_RATE_DISABLE"),

		JWTSecret:   firstNonEmpty(*jwtSecret, os.Getenv("MEDIAFORGE_JWT_SECRET")),
		JWKSURL:     firstNonEmpty(*jwksURL, os.Getenv("MEDIAFORGE_JWKS_URL")),
		JWTIssuer:   firstNonEmpty(*jwtIssuer, os.Getenv("MEDIAFORGE_JWT_ISSUER")),
		JWTAudience: firstNonEmpty(*jwtAudience, os.Getenv("MEDIAFORGE_JWT_AUDIENCE")),

		S3: blob.S3Config{
			Bucket:          firstNonEmpty(*s3Bucket, os.Getenv("MEDIAFORGE_S3_BUCKET")),
			Region:          firstNonEmpty(*s3Region, os.Getenv("MEDIAFORGE_S3_REGION"), os.Getenv("AWS_REGION")),
			Endpoint:        firstNonEmpty(*s3Endpoint, os.Getenv("MEDIAFORGE_S3_ENDPOINT")),
			Prefix:          firstNonEmpty(*s3Prefix, os.Getenv("MEDIAFORGE_S3_PREFIX")),
			AccessKeyID:     firstNonEmpty(*s3AccessKey, os.Getenv("MEDIAFORGE_S3_ACCESS_KEY")),
			SecretAccessKey: firstNonEmpty(*s3SecretKey, os.Getenv("MEDIAFORGE_S3_SECRET_KEY")),
			UsePathStyle:    resolveBool(*s3PathStyle, "MEDIAFORGE_S3_PATH_STYLE"),
		},

		CORSOrigins:   splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("MEDIAFORGE_CORS_ORIGINS"))),
		UploadMaxAge:  resolveDuration(*uploadMaxAge, "MEDIAFORGE_UPLOAD_MAX_AGE", 24*time.Hour),
		SweepInterval: resolveDuration(*sweepInterval, "MEDIAFORGE_UPLOAD_SWEEP_INTERVAL", time.Hour),
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if envLoadErr != nil {
		logger.Warn("failed to load env file", "path", *envFile, "error", envLoadErr)
	}

	driver, err := resolveStoreDriver(cfg.StoreDriver, cfg.PostgresDSN)
	if err != nil {
		logger.Error("invalid store configuration", "error", err)
		os.Exit(1)
	}
	cfg.StoreDriver = driver

	relay, err := resolveRelayDriver(cfg.RelayDriver, cfg.RedisAddr, cfg.RedisAddrs)
	if err != nil {
		logger.Error("invalid relay configuration", "error", err)
		os.Exit(1)
	}
	cfg.RelayDriver = relay

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics.Default()); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails. Components are stopped in reverse dependency order.
func run(ctx context.Context, cfg config, logger *slog.Logger, recorder *metrics.Recorder) error {
	logger.Info("starting mediaforge", newStartupSummary(cfg).LogArgs()...)

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	var (
		assets metadata.Store
		jobs   jobqueue.Store
		health []api.HealthCheck
	)
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := database.Close(closeCtx, pool); err != nil {
				logger.Warn("failed to close postgres pool", "error", err)
			}
		})
		pgAssets, err := metadata.NewPostgresStore(pool)
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		pgJobs, err := jobqueue.NewPostgresStore(pool)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		assets, jobs = pgAssets, pgJobs
		health = append(health, api.HealthCheck{Component: "postgres", Check: pool.Ping})
	default:
		assets, jobs = metadata.NewMemoryStore(), jobqueue.NewMemoryStore()
	}

	mirror, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sampler := governor.HostSampler{}
	queue := jobqueue.New(jobqueue.Config{
		Store: jobs,
		Governor: governor.NewLoadGovernor(sampler, governor.Config{
			Threshold:     cfg.LoadThreshold,
			ThumbnailHigh: cfg.ThumbnailHigh,
			ThumbnailLow:  cfg.ThumbnailLow,
			Logger:        logging.WithComponent(logger, "governor"),
			Metrics:       recorder,
		}),
		Logger:      logging.WithComponent(logger, "jobqueue"),
		Metrics:     recorder,
		JobTimeout:  cfg.JobTimeout,
		MaxAttempts: cfg.MaxAttempts,
	})

	engine := media.NewFFmpeg(media.FFmpegConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Logger:      logging.WithComponent(logger, "ffmpeg"),
	})
	transcoder, err := pipeline.NewTranscodeWorker(pipeline.TranscodeConfig{
		Engine:     engine,
		Assets:     assets,
		Blob:       mirror,
		EncodedDir: cfg.EncodedDir,
		Logger:     logging.WithComponent(logger, "transcode"),
	})
	if err != nil {
		return fmt.Errorf("create transcode worker: %w", err)
	}
	thumbnailer, err := pipeline.NewThumbnailWorker(pipeline.ThumbnailConfig{
		Engine:       engine,
		Assets:       assets,
		Blob:         mirror,
		ThumbnailDir: cfg.ThumbnailDir,
		Logger:       logging.WithComponent(logger, "thumbnail"),
	})
	if err != nil {
		return fmt.Errorf("create thumbnail worker: %w", err)
	}
	if err := queue.Subscribe(models.JobKindTranscode, transcoder.Handle); err != nil {
		return err
	}
	if err := queue.Subscribe(models.JobKindThumbnail, thumbnailer.Handle); err != nil {
		return err
	}

	instanceID := uuid.NewString()
	eventRelay, err := openRelay(cfg, instanceID, logger)
	if err != nil {
		return err
	}
	if eventRelay != nil {
		cleanups = append(cleanups, func() {
			if err := eventRelay.Close(); err != nil {
				logger.Warn("failed to close event relay", "error", err)
			}
		})
		if pinger, ok := eventRelay.(interface{ Ping(context.Context) error }); ok {
			health = append(health, api.HealthCheck{Component: "redis", Check: pinger.Ping})
		}
	}
	notifier := notify.NewNotifier(notify.Config{
		Relay:      eventRelay,
		InstanceID: instanceID,
		Logger:     logging.WithComponent(logger, "notifier"),
		Metrics:    recorder,
	})
	closeNotifier := sync.OnceFunc(notifier.Close)
	cleanups = append(cleanups, closeNotifier)
	notifier.Start()

	coordinator, err := pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		Assets:   assets,
		Queue:    queue,
		Notifier: notifier,
		Blob:     mirror,
		Logger:   logging.WithComponent(logger, "coordinator"),
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	queue.Notify(coordinator.JobFinished)

	// The queue outlives ctx so in-flight jobs drain during shutdown.
	queueCtx, cancelQueue := context.WithCancel(context.WithoutCancel(ctx))
	if err := queue.Start(queueCtx); err != nil {
		cancelQueue()
		return fmt.Errorf("start job queue: %w", err)
	}
	cleanups = append(cleanups, func() {
		defer cancelQueue()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), queueShutdownTimeout)
		defer cancel()
		if err := queue.Shutdown(shutdownCtx); err != nil {
			logger.Warn("job queue did not drain", "error", err)
		}
	})

	assembler, err := upload.NewAssembler(upload.Config{
		TempDir:     cfg.TempDir,
		OriginalDir: cfg.OriginalDir,
		Logger:      logging.WithComponent(logger, "upload"),
		Metrics:     recorder,
	})
	if err != nil {
		return fmt.Errorf("create upload assembler: %w", err)
	}
	stopSweeper := startUploadSweeper(ctx, logging.WithComponent(logger, "upload-sweeper"), assembler, cfg.SweepInterval, cfg.UploadMaxAge)
	cleanups = append(cleanups, stopSweeper)

	streamer, err := stream.New(stream.Config{
		Resolver: assets,
		Logger:   logging.WithComponent(logger, "stream"),
		Metrics:  recorder,
	})
	if err != nil {
		return fmt.Errorf("create streamer: %w", err)
	}

	verifier, err := openVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gateway, err := notify.NewGateway(notify.GatewayConfig{
		Notifier: notifier,
		Verifier: verifier,
		Status:   sampler.Snapshot,
		Logger:   logging.WithComponent(logger, "gateway"),
	})
	if err != nil {
		return fmt.Errorf("create live gateway: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Chunks:    assembler,
		Validator: validation.NewExtensionValidator(validation.Config{}),
		Ingestor:  coordinator,
		Assets:    assets,
		Streamer:  streamer,
		Health:    health,
		Logger:    logging.WithComponent(logger, "api"),
	})
	if err != nil {
		return fmt.Errorf("create api handler: %w", err)
	}

	limiter, err := openRateLimiter(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := limiter.store.(interface{ Close() error }); ok {
		cleanups = append(cleanups, func() {
			if err := closer.Close(); err != nil {
				logger.Warn("failed to close rate limit store", "error", err)
			}
		})
	}

	srv, err := server.New(handler, server.Config{
		Addr:        cfg.Addr,
		Logger:      logger,
		Metrics:     recorder,
		Verifier:    verifier,
		RateLimiter: limiter.limiter,
		Live:        gateway,
		CORS:        server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		Logger: logger,
		OnListen: func(addr net.Addr) {
			logger.Info("metrics endpoint available", "addr", addr.String(), "path", "/metrics")
		},
		// Hijacked WebSocket connections are not tracked by http.Server.
		OnShutdown: closeNotifier,
	})
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func resolveStoreDriver(driver, dsn string) (string, error) {
	switch driver {
	case "":
		if strings.TrimSpace(dsn) != "" {
			return "postgres", nil
		}
		return "memory", nil
	case "memory":
		return driver, nil
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return "", errors.New("postgres store requires --postgres-dsn or MEDIAFORGE_POSTGRES_DSN")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

func resolveRelayDriver(driver, addr string, addrs []string) (string, error) {
	switch driver {
	case "":
		if strings.TrimSpace(addr) != "" || len(addrs) > 0 {
			return "redis", nil
		}
		return "memory", nil
	case "memory":
		return driver, nil
	case "redis":
		if strings.TrimSpace(addr) == "" && len(addrs) == 0 {
			return "", errors.New("redis relay requires --redis-addr or --redis-addrs")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported relay driver %q", driver)
	}
}

func openPostgres(ctx context.Context, cfg config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if !cfg.SkipMigrations {
		if err := database.Migrate(cfg.PostgresDSN, logging.WithComponent(logger, "migrate")); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := database.Open(ctx, database.Config{
		DSN:             cfg.PostgresDSN,
		MaxConnections:  int32(cfg.PostgresMaxConns),
		MinConnections:  int32(cfg.PostgresMinConns),
		ApplicationName: cfg.PostgresAppName,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return pool, nil
}

func openBlobStore(ctx context.Context, cfg config, logger *slog.Logger) (blob.Store, error) {
	if cfg.S3.Bucket != "" {
		s3cfg := cfg.S3
		s3cfg.Logger = logging.WithComponent(logger, "s3")
		client, err := blob.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		store, err := blob.NewS3Store(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		return store, nil
	}
	if cfg.BlobDir != "" {
		store, err := blob.NewLocalStore(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
		return store, nil
	}
	return nil, nil
}

// openRelay returns nil for the memory driver. A single process delivers
// locally and needs no relay.
func openRelay(cfg config, instanceID string, logger *slog.Logger) (notify.Relay, error) {
	if cfg.RelayDriver != "redis" {
		return nil, nil
	}
	relay, err := notify.NewRedisRelay(notify.RedisRelayConfig{
		Addr:       cfg.RedisAddr,
		Addrs:      cfg.RedisAddrs,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
		MasterName: cfg.RedisMasterName,
		Stream:     cfg.RedisStream,
		InstanceID: instanceID,
		Logger:     logging.WithComponent(logger, "relay"),
	})
	if err != nil {
		return nil, fmt.Errorf("create redis relay: %w", err)
	}
	return relay, nil
}

func openVerifier(ctx context.Context, cfg config, logger *slog.Logger) (auth.Verifier, error) {
	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		logger.Warn("no token verifier configured, mutating routes accept anonymous callers")
		return auth.AllowAnonymous{}, nil
	}
	verifier, err := auth.NewJWTVerifier(ctx, auth.JWTConfig{
		Secret:   cfg.JWTSecret,
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Logger:   logging.WithComponent(logger, "auth"),
	})
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}
	return verifier, nil
}

type rateLimiter struct {
	limiter *ratelimit.Limiter
	store   ratelimit.Store
}

func openRateLimiter(cfg config, logger *slog.Logger) (rateLimiter, error) {
	if cfg.DisableRateLimit {
		return rateLimiter{}, nil
	}
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if addr := cfg.RateRedisAddr; addr != "" {
		redisStore, err := ratelimit.NewRedisStore(ratelimit.RedisConfig{
			Addr:     addr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return rateLimiter{}, fmt.Errorf("create rate limit store: %w", err)
		}
		store = redisStore
	}
	limiter := ratelimit.New(ratelimit.Config{
		Store:     store,
		PerClient: cfg.RateClient,
		Global:    cfg.RateGlobal,
		Logger:    logging.WithComponent(logger, "ratelimit"),
	})
	return rateLimiter{limiter: limiter, store: store}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseFloat(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseFloat(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
