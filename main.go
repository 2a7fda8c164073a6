package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/A-alok/free-mind-ai-sub000/artifact"
	appcmd "github.com/A-alok/free-mind-ai-sub000/cmd"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	logFormat := getenvDefault("ARTIFACTCORE_LOG_FORMAT", "text")
	logger := newLogger(logFormat)

	addr := getenvDefault("ARTIFACTCORE_HTTP_ADDR", "127.0.0.1:8080")
	cacheTTL := getenvDurationDefault(logger, "ARTIFACTCORE_CACHE_TTL", 24*time.Hour)
	maxVersions := getenvIntDefault(logger, "ARTIFACTCORE_MAX_VERSIONS", 10)
	maintInterval := getenvDurationDefault(logger, "ARTIFACTCORE_MAINTENANCE_INTERVAL", time.Hour)
	opTimeout := getenvDurationDefault(logger, "ARTIFACTCORE_OP_TIMEOUT", 30*time.Second)

	blobs := newBlobStore(logger)
	records, projects, closeStores := newMetadataStores(logger)
	defer closeStores()
	leases := newLeaseManager(logger)
	metrics := artifact.NewInMemStorageMetrics()

	cache := artifact.NewCacheStore(blobs, records,
		artifact.WithCacheTTL(cacheTTL),
		artifact.WithCacheLogger(logger),
	)
	perm := artifact.NewPermanentStore(blobs, projects, records,
		artifact.WithMaxVersions(maxVersions),
		artifact.WithPermanentLogger(logger),
	)
	perm.SetLeaseManager(leases)

	quota := artifact.NewQuotaEnforcer(artifact.DefaultQuotaPolicy(), cache, perm,
		artifact.WithQuotaLogger(logger),
	)
	svc := artifact.NewService(cache, perm,
		artifact.WithServiceQuota(quota),
		artifact.WithServiceMetrics(metrics),
		artifact.WithServiceLogger(logger),
		artifact.WithOpTimeout(opTimeout),
	)
	maint := artifact.NewMaintenance(cache, perm, records, blobs, leases,
		artifact.WithMaintenanceInterval(maintInterval),
		artifact.WithMaintenanceMetrics(metrics),
		artifact.WithMaintenanceLogger(logger),
	)

	appCfg := appcmd.AppConfig{
		Address:           addr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Logger:            logger,
	}
	app := appcmd.NewApp(appcmd.Stack{
		Service:     svc,
		Permanent:   perm,
		Quota:       quota,
		Maintenance: maint,
		Metrics:     metrics,
	}, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		os.Exit(1)
	}
	logger.Info("artifactcore listening", "address", app.Address())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

// newBlobStore picks S3 when a bucket is configured, otherwise a local
// directory backend suitable for development.
func newBlobStore(logger *slog.Logger) artifact.BlobStore {
	bucket := os.Getenv("ARTIFACTCORE_S3_BUCKET")
	if bucket == "" {
		root := getenvDefault("ARTIFACTCORE_BLOB_ROOT", "./.temp/blobs")
		logger.Info("configured local blob store", "root", root)
		return &artifact.LocalBlobStore{Root: root}
	}

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx)
	if err != nil {
		logger.Error("aws config", "error", err)
		os.Exit(1)
	}

	endpoint := os.Getenv("ARTIFACTCORE_S3_ENDPOINT")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})

	store := artifact.NewS3BlobStore(client, bucket, getenvDefault("ARTIFACTCORE_S3_PREFIX", "generated"))
	store.PublicBaseURL = os.Getenv("ARTIFACTCORE_S3_PUBLIC_URL")
	logger.Info("configured s3 blob store", "bucket", bucket, "endpoint", endpoint)
	return store
}

// newMetadataStores picks MongoDB when a URI is configured, otherwise
// in-memory stores. The returned func disconnects the Mongo client.
func newMetadataStores(logger *slog.Logger) (artifact.RecordStore, artifact.ProjectStore, func()) {
	uri := os.Getenv("ARTIFACTCORE_MONGO_URI")
	if uri == "" {
		logger.Info("configured in-memory metadata stores",
			"hint", "set ARTIFACTCORE_MONGO_URI for durable metadata")
		return artifact.NewMemoryRecordStore(), artifact.NewMemoryProjectStore(), func() {}
	}

	dbName := getenvDefault("ARTIFACTCORE_MONGO_DB", "artifactcore")
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		logger.Error("mongo connect", "error", err)
		os.Exit(1)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		logger.Error("mongo ping", "error", err)
		os.Exit(1)
	}

	db := client.Database(dbName)
	logger.Info("configured mongo metadata stores", "db", dbName)
	closeFn := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}
	return artifact.NewMongoRecordStore(db), artifact.NewMongoProjectStore(db.Collection("projects")), closeFn
}

// newLeaseManager picks Redis when an address is configured, otherwise
// process-local leases. A single node never needs more than that.
func newLeaseManager(logger *slog.Logger) artifact.LeaseManager {
	addr := os.Getenv("ARTIFACTCORE_REDIS_ADDR")
	if addr == "" {
		logger.Info("configured in-process lease manager",
			"hint", "set ARTIFACTCORE_REDIS_ADDR when running multiple nodes")
		return artifact.NewMemoryLeaseManager()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("ARTIFACTCORE_REDIS_PASSWORD"),
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis ping", "error", err)
		os.Exit(1)
	}

	mgr, err := artifact.NewRedisLeaseManager(client, "artifactcore:lease:")
	if err != nil {
		logger.Error("redis lease manager", "error", err)
		os.Exit(1)
	}
	logger.Info("configured redis lease manager", "addr", addr)
	return mgr
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func getenvDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvDurationDefault(logger *slog.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("invalid duration env var", "key", key, "value", v, "error", err)
		os.Exit(1)
	}
	return d
}

func getenvIntDefault(logger *slog.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("invalid integer env var", "key", key, "value", v, "error", err)
		os.Exit(1)
	}
	return n
}
