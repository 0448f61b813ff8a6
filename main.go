package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moplaychat/internal/api"
	"moplaychat/internal/auth"
	"moplaychat/internal/chat"
	"moplaychat/internal/config"
	"moplaychat/internal/feed"
	"moplaychat/internal/logger"
	"moplaychat/internal/redis"
	"moplaychat/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("MOPLAYCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}

	log := logger.New(cfg.Log, "main")

	dbType := os.Getenv("MOPLAYCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("driver", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	var rdb *redis.Client
	var roomFeed feed.Feed
	switch cfg.BasicConfig.FeedDriver {
	case "", "redis":
		rdb, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create redis client")
		}
		defer rdb.Close()
		roomFeed, err = feed.NewRedisFeed(rdb, logger.New(cfg.Log, "feed"))
		if err != nil {
			log.Fatal().Err(err).Msg("create redis feed")
		}
	case "memory":
		roomFeed = feed.NewMemoryFeed()
	default:
		log.Fatal().Str("driver", cfg.BasicConfig.FeedDriver).Msg("unknown feed driver")
	}

	messageStore := storage.NewMessageStore(db, roomFeed, logger.New(cfg.Log, "messages"))
	presenceStore := storage.NewPresenceStore(db, dbType, roomFeed, logger.New(cfg.Log, "presence"))
	authService := auth.NewService(db, rdb, 24*time.Hour)

	rooms := chat.NewRegistry(chat.Deps{
		Sessions: func(userID int64) chat.SessionProvider {
			return authService.SessionProvider(userID)
		},
		Messages: messageStore,
		Presence: presenceStore,
		Feed:     roomFeed,
		Options: chat.Options{
			GatePoll:         cfg.Chat.GatePoll(),
			Heartbeat:        cfg.Chat.Heartbeat(),
			ListRefresh:      cfg.Chat.ListRefresh(),
			MessageReload:    cfg.Chat.MessageReload(),
			PresenceDebounce: cfg.Chat.PresenceDebounce(),
			HistoryLimit:     cfg.Chat.HistoryLimit,
		},
		Log: logger.New(cfg.Log, "chat"),
	})

	handlers := api.NewHandler(authService, rooms, logger.New(cfg.Log, "api"))

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	server := &http.Server{Addr: addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Marks every active user offline before the process exits.
	rooms.Shutdown()
	roomFeed.Close()
}
