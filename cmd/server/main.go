package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/npezzotti/recovery-chat/internal/api"
	"github.com/npezzotti/recovery-chat/internal/chat"
	"github.com/npezzotti/recovery-chat/internal/config"
	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
	"github.com/npezzotti/recovery-chat/internal/ratelimit"
	"github.com/npezzotti/recovery-chat/internal/stats"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr              string
	store             string
	dsn               string
	signingKey        string
	allowedOrigins    stringSliceFlag
	redisAddr         string
	messagesPerMinute int
	sweepInterval     time.Duration
	presenceRetention time.Duration
	historyLimit      int
)

func openRepository(cfg *config.Config) (database.ChatRepository, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case config.StoreSqlite:
		return database.NewSqliteChatRepository(cfg.DatabaseDSN)
	default:
		return database.NewMemoryChatRepository(), nil
	}
}

func main() {
	logger := log.New(os.Stderr, "[recovery-chat] ", log.LstdFlags)

	if err := config.LoadEnv(".env"); err != nil {
		logger.Fatal("env:", err)
	}

	flag.StringVar(&addr, "addr", config.EnvOrDefault("CHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&store, "store", config.EnvOrDefault("CHAT_STORE", config.StorePostgres), "message store: postgres, sqlite or memory")
	flag.StringVar(&dsn, "dsn", config.EnvOrDefault("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("CHAT_SIGNING_KEY"), "base64 encoded key verifying identity tokens; identities are trusted when empty")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address enabling message rate limiting")
	flag.IntVar(&messagesPerMinute, "messages-per-minute", config.EnvIntOrDefault("CHAT_MESSAGES_PER_MINUTE", 30), "messages a connection may send per minute")
	flag.DurationVar(&sweepInterval, "sweep-interval", config.EnvDurationOrDefault("CHAT_SWEEP_INTERVAL", config.DefaultSweepInterval), "interval between stale presence sweeps")
	flag.DurationVar(&presenceRetention, "presence-retention", config.EnvDurationOrDefault("CHAT_PRESENCE_RETENTION", config.DefaultPresenceRetention), "age after which presence rows are considered stale")
	flag.IntVar(&historyLimit, "history-limit", config.EnvIntOrDefault("CHAT_HISTORY_LIMIT", config.DefaultHistoryLimit), "messages sent to a client joining a room")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
			allowedOrigins.Set(origins)
		}
	}

	cfg, err := config.NewConfig(addr, store, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.SetPresenceSweep(sweepInterval, presenceRetention); err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.SetRateLimit(redisAddr, messagesPerMinute); err != nil {
		logger.Fatal("config:", err)
	}
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}

	db, err := openRepository(cfg)
	if err != nil {
		logger.Fatal("db open:", err)
	}

	var (
		redisClient *redis.Client
		limiter     ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.MessagesPerMinute, time.Minute)
	}

	resolver := identity.NewResolver(cfg.SigningKey)
	if resolver.TrustsClients() {
		logger.Println("no signing key configured, trusting client supplied identities")
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, stats.DefaultMapName)

	chatServer, err := chat.NewChatServer(logger, db, statsUpdater, chat.ServerConfig{
		Resolver:          resolver,
		Limiter:           limiter,
		SweepInterval:     cfg.SweepInterval,
		PresenceRetention: cfg.PresenceRetention,
		HistoryLimit:      cfg.HistoryLimit,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	app := api.NewChatApp(mux, logger, chatServer, db, resolver, cfg)

	statsUpdater.Run()
	go chatServer.Run()

	go func() {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server:", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"recovery-chat": func(ctx context.Context) error {
				if err := app.Shutdown(ctx); err != nil {
					logger.Println("HTTP server shutdown:", err)
				}

				logger.Println("shutting down chat server...")
				if err := chatServer.Shutdown(ctx); err != nil {
					logger.Println("chat server shutdown:", err)
				}

				statsUpdater.Stop()

				if redisClient != nil {
					if err := redisClient.Close(); err != nil {
						logger.Println("redis close:", err)
					}
				}
				return db.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Printf("shutdown complete, exiting with code %d", exitCode)
	os.Exit(exitCode)
}
