package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/dedupe"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/webpush"
	"github.com/redis/go-redis/v9"
)

const (
	defaultSigningKey   = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN          = "host=localhost user=postgres password=postgres dbname=chatrelay sslmode=disable"
	dedupeSweepInterval = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func main() {
	logger := log.New(os.Stderr, "[go-chat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	var opts config.Options
	allowedOrigins := stringSliceFlag{}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		allowedOrigins.Set(v)
	}

	flag.StringVar(&opts.ServerAddr, "addr", envString("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&opts.DatabaseDSN, "dsn", envString("DATABASE_DSN", defaultDSN), "database connection string")
	flag.StringVar(&opts.SigningSecret, "signing-key", envString("JWT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&opts.VAPIDPrivateKey, "vapid-private-key", os.Getenv("VAPID_PRIVATE_KEY"), "VAPID private key, push is disabled when empty")
	flag.StringVar(&opts.VAPIDPublicKey, "vapid-public-key", os.Getenv("VAPID_PUBLIC_KEY"), "VAPID public key, derived from the private key when empty")
	flag.StringVar(&opts.VAPIDSubject, "vapid-subject", os.Getenv("VAPID_SUBJECT"), "VAPID subject (mailto: or https: URL)")
	flag.StringVar(&opts.RedisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for shared push suppression")
	flag.IntVar(&opts.PushWorkers, "push-workers", envInt("PUSH_WORKERS", webpush.DefaultWorkers), "number of push workers")
	flag.IntVar(&opts.PushQueueSize, "push-queue-size", envInt("PUSH_QUEUE_SIZE", webpush.DefaultQueueSize), "push queue capacity")
	flag.DurationVar(&opts.PushTTL, "push-ttl", envDuration("PUSH_TTL", webpush.DefaultTTL), "how long push services keep undelivered messages")
	flag.BoolVar(&opts.PushOffline, "push-offline", envBool("PUSH_OFFLINE", true), "send push notifications to offline receivers")
	flag.IntVar(&opts.MaxContentLength, "max-content-length", envInt("MAX_CONTENT_LENGTH", server.DefaultMaxContentLength), "maximum message length in characters")
	flag.DurationVar(&opts.TypingTTL, "typing-ttl", envDuration("TYPING_TTL", 30*time.Second), "idle time after which typing state is cleared")
	flag.Parse()
	opts.AllowedOrigins = allowedOrigins

	cfg, err := config.NewConfig(opts)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRelayRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	var (
		notifier server.Notifier
		pushSvc  *api.PushService
	)
	if cfg.PushEnabled() {
		signer, err := webpush.NewSigner(cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		if err != nil {
			logger.Printf("push disabled: %v", err)
		} else {
			if cfg.VAPIDPublicKey != "" && cfg.VAPIDPublicKey != signer.PublicKey() {
				logger.Println("configured VAPID public key does not match the private key, using the derived key")
			}

			suppressor := newSuppressor(ctx, cfg, logger)
			dispatcher := webpush.NewDispatcher(dbConn, signer, webpush.NewEncryptor(), statsUpdater, logger,
				webpush.DispatcherOptions{TTL: cfg.PushTTL})
			n := webpush.NewNotifier(dispatcher, suppressor, logger, webpush.NotifierOptions{
				Workers:   cfg.PushWorkers,
				QueueSize: cfg.PushQueueSize,
			})
			go n.Run(ctx)

			notifier = n
			pushSvc = &api.PushService{
				PublicKey:     signer.PublicKey(),
				Subscriptions: webpush.NewSubscriptionManager(dbConn, logger),
				Notifier:      n,
			}
			logger.Printf("push enabled, subject %s", signer.Subject())
		}
	} else {
		logger.Println("no VAPID private key configured, push disabled")
	}

	chatServer, err := server.NewChatServer(logger, dbConn, notifier, statsUpdater, server.Options{
		MaxContentLength: cfg.MaxContentLength,
		PushOffline:      cfg.PushOffline,
		TypingTTL:        cfg.TypingTTL,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewChatRelayApp(mux, logger, chatServer, dbConn, pushSvc, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	cancel()
	logger.Println("shutdown complete")
}

// newSuppressor returns a redis-backed suppressor when an address is
// configured and an in-memory one otherwise.
func newSuppressor(ctx context.Context, cfg *config.Config, logger *log.Logger) dedupe.Suppressor {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Printf("redis %s unreachable, suppression fails open until it recovers: %v", cfg.RedisAddr, err)
		}
		go func() {
			<-ctx.Done()
			rdb.Close()
		}()
		return dedupe.NewRedisSuppressor(rdb, logger)
	}

	mem := dedupe.NewMemorySuppressor()
	go mem.Run(ctx, dedupeSweepInterval)
	return mem
}
