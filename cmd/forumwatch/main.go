// Command forumwatch runs the multi-site forum tracker daemon: it keeps the
// tracked sites synced over the message bus, serves the local authentication
// callback, and exposes a status endpoint for tooling.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"forumwatch/internal/auth"
	"forumwatch/internal/keys"
	"forumwatch/internal/manager"
	"forumwatch/internal/observability/logging"
	"forumwatch/internal/server"
	"forumwatch/internal/store"
)

func main() {
	addr := flag.String("addr", "", "callback listen address")
	dataPath := flag.String("data", "", "path to the JSON datastore")
	storeDriver := flag.String("store-driver", "", "datastore driver (json, memory, redis or postgres)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the datastore")
	redisAddrs := flag.String("redis-addrs", "", "comma-separated Redis addresses (cluster or sentinel)")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis logical database")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPrefix := flag.String("redis-prefix", "", "prefix applied to every Redis key")
	redisPoolSize := flag.Int("redis-pool-size", 0, "Redis connection pool size")
	redisTimeout := flag.Duration("redis-timeout", 0, "Redis dial and command timeout")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA bundle")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "expected Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS certificate verification")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresTable := flag.String("postgres-table", "", "Postgres table backing the datastore")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	refreshInterval := flag.Duration("refresh-interval", 0, "interval between background sync passes")
	applicationName := flag.String("application-name", "", "name shown on a site's authorization screen")
	pushURL := flag.String("push-url", "", "push relay URL advertised to granting sites")
	redirectURL := flag.String("auth-redirect", "", "redirect URL sent with authorization requests")
	keyPassphrase := flag.String("key-passphrase", "", "passphrase protecting the stored private key")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("FORUMWATCH_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("FORUMWATCH_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("FORUMWATCH_ADDR"), server.DefaultAddr)

	driver := strings.ToLower(firstNonEmpty(*storeDriver, os.Getenv("FORUMWATCH_STORE_DRIVER"), "json"))
	var (
		kv  store.KV
		err error
	)
	switch driver {
	case "json":
		kv, err = store.NewFileStore(firstNonEmpty(*dataPath, os.Getenv("FORUMWATCH_DATA"), "forumwatch.json"))
	case "memory":
		kv = store.NewMemoryStore()
	case "redis":
		kv, err = store.NewRedisStore(store.RedisConfig{
			Addr:         firstNonEmpty(*redisAddr, os.Getenv("FORUMWATCH_REDIS_ADDR")),
			Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("FORUMWATCH_REDIS_ADDRS"))),
			Username:     firstNonEmpty(*redisUsername, os.Getenv("FORUMWATCH_REDIS_USERNAME")),
			Password:     firstNonEmpty(*redisPassword, os.Getenv("FORUMWATCH_REDIS_PASSWORD")),
			DB:           resolveInt(*redisDB, "FORUMWATCH_REDIS_DB"),
			MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("FORUMWATCH_REDIS_MASTER_NAME")),
			Prefix:       firstNonEmpty(*redisPrefix, os.Getenv("FORUMWATCH_REDIS_PREFIX")),
			DialTimeout:  resolveDuration(*redisTimeout, "FORUMWATCH_REDIS_TIMEOUT", 2*time.Second),
			ReadTimeout:  resolveDuration(*redisTimeout, "FORUMWATCH_REDIS_TIMEOUT", 2*time.Second),
			WriteTimeout: resolveDuration(*redisTimeout, "FORUMWATCH_REDIS_TIMEOUT", 2*time.Second),
			PoolSize:     resolveInt(*redisPoolSize, "FORUMWATCH_REDIS_POOL_SIZE"),
			TLS: store.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("FORUMWATCH_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("FORUMWATCH_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("FORUMWATCH_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("FORUMWATCH_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "FORUMWATCH_REDIS_TLS_SKIP_VERIFY"),
			},
		})
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, os.Getenv("FORUMWATCH_POSTGRES_DSN"))
		if dsn == "" {
			logger.Error("postgres datastore selected without DSN")
			os.Exit(1)
		}
		openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		kv, err = store.NewPostgresStore(openCtx, store.PostgresConfig{
			DSN:                 dsn,
			Table:               firstNonEmpty(*postgresTable, os.Getenv("FORUMWATCH_POSTGRES_TABLE")),
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "FORUMWATCH_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "FORUMWATCH_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "FORUMWATCH_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "FORUMWATCH_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "FORUMWATCH_POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:      resolveDuration(*postgresAcquireTimeout, "FORUMWATCH_POSTGRES_ACQUIRE_TIMEOUT", 0),
			ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("FORUMWATCH_POSTGRES_APP_NAME")),
		})
		cancel()
	default:
		logger.Error("unsupported datastore driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	keyOpts := []keys.Option{}
	if passphrase := firstNonEmpty(*keyPassphrase, os.Getenv("FORUMWATCH_KEY_PASSPHRASE")); passphrase != "" {
		keyOpts = append(keyOpts, keys.WithPassphrase(passphrase))
	}
	keyProvider := keys.NewProvider(kv, keyOpts...)

	authOpts := []auth.Option{
		auth.WithLogger(logging.WithComponent(logger, "auth")),
		auth.WithRedirectURL(firstNonEmpty(*redirectURL, os.Getenv("FORUMWATCH_AUTH_REDIRECT"), "http://"+listenAddr+"/auth_redirect")),
	}
	if name := firstNonEmpty(*applicationName, os.Getenv("FORUMWATCH_APPLICATION_NAME")); name != "" {
		authOpts = append(authOpts, auth.WithApplicationName(name))
	}
	if push := firstNonEmpty(*pushURL, os.Getenv("FORUMWATCH_PUSH_URL")); push != "" {
		authOpts = append(authOpts, auth.WithPushURL(push))
	}
	authenticator := auth.NewAuthenticator(keyProvider, authOpts...)

	mgr := manager.NewManager(kv, authenticator,
		manager.WithLogger(logging.WithComponent(logger, "manager")),
	)

	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		logger.Error("failed to load tracked sites", "error", err)
		os.Exit(1)
	}
	logger.Info("tracked sites loaded", "sites", mgr.SiteCount())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sub := mgr.Subscribe()
	defer sub.Close()
	go func() {
		for event := range sub.Events() {
			if event.Type != manager.EventRefresh {
				continue
			}
			for _, alert := range event.Alerts {
				logger.Info("notification alert",
					"site", alert.Site.URL(),
					"url", alert.URL,
				)
			}
		}
	}()

	interval := resolveDuration(*refreshInterval, "FORUMWATCH_REFRESH_INTERVAL", time.Minute)
	go func() {
		// The first pass runs immediately so counters are fresh on startup,
		// later passes ride the message bus.
		mgr.RefreshSites(workerCtx, manager.RefreshSitesOptions{UI: true})
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				mgr.RefreshSites(workerCtx, manager.RefreshSitesOptions{Fast: true})
			}
		}
	}()

	srv := server.New(mgr, server.Config{
		Addr:   listenAddr,
		Logger: logging.WithComponent(logger, "server"),
	})

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	errs := make(chan error, 1)
	go func() {
		if err := srv.Run(serverCtx, nil); err != nil {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("callback server error", "error", err)
	}

	workerCancel()
	serverCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Save(shutdownCtx); err != nil {
		logger.Warn("failed to persist sites during shutdown", "error", err)
	}
	if err := kv.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("shutdown complete")
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

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
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
