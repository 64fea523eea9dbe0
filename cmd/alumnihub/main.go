package main

import (
	"database/sql"
	"flag"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/alumnihub/backend/internal/auth"
	"github.com/alumnihub/backend/internal/chat"
	"github.com/alumnihub/backend/internal/config"
	ilog "github.com/alumnihub/backend/internal/log"
	"github.com/alumnihub/backend/internal/metrics"
	"github.com/alumnihub/backend/internal/mw"
	"github.com/alumnihub/backend/internal/notify"
	"github.com/alumnihub/backend/internal/presence"
	"github.com/alumnihub/backend/internal/storage/postgres"
	"github.com/alumnihub/backend/internal/storage/sqlite"
	"github.com/alumnihub/backend/internal/users"
)

const schemaPath = "sql/schema.sql"

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on environment")
	}
	cfg := config.MustLoad()
	ilog.Init(cfg.Env)

	db, closeDB, err := openDB(cfg, *migrate)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer closeDB()
	if *migrate {
		log.Info().Msg("migration completed")
		return
	}

	// Presence index: process-local by default, Redis-backed when shared
	// state across instances is wanted.
	var index presence.Index
	if cfg.RedisURL != "" {
		ri, err := presence.NewRedisIndex(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis presence index")
		}
		index = ri
	} else {
		index = presence.NewMemoryIndex()
	}

	hub := chat.NewHub()
	tracker := presence.NewTracker(index, presence.NewSQLStore(db), hub)
	chatStore := chat.NewStore(db)

	var queue *asynq.Client
	if cfg.RedisURL != "" {
		queue, err = notify.NewQueueClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("notification queue")
		}
		defer queue.Close()
	}
	emitter := notify.NewEmitter(db, queue)

	dispatcher := chat.NewDispatcher(chatStore, tracker, hub, emitter)
	gateway := chat.NewGateway(hub, tracker, dispatcher, emitter, cfg.JWTSecret)

	if queue != nil {
		worker, err := notify.NewWorker(cfg.RedisURL, db, notify.NewMailer(cfg.SendGridAPIKey, cfg.SendGridFrom))
		if err != nil {
			log.Fatal().Err(err).Msg("notification worker")
		}
		defer worker.Shutdown()
		go func() {
			if err := worker.Run(); err != nil {
				log.Error().Err(err).Msg("notification worker stopped")
			}
		}()
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())
	r.Use(mw.RateLimit(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst))

	r.GET("/health", func(c *gin.Context) {
		online, _ := tracker.TotalOnlineUsers(c.Request.Context())
		c.JSON(200, gin.H{"status": "OK", "online_users": online})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	users.RegisterPublic(api, db, cfg)
	chat.RegisterWS(api, gateway)

	authed := api.Group("", auth.JWTMiddleware(cfg.JWTSecret))
	users.Register(authed, db, tracker)
	chat.Register(authed, chatStore, dispatcher)

	log.Info().Str("addr", cfg.Addr).Str("driver", cfg.DBDriver).Msg("server starting")
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}

func openDB(cfg config.Config, migrate bool) (*sql.DB, func() error, error) {
	switch cfg.DBDriver {
	case "postgres":
		conn, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := conn.Migrate(schemaPath); err != nil {
				return nil, nil, err
			}
		}
		return conn.Db, conn.Close, nil
	default:
		conn, err := sqlite.New(cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := conn.Migrate(schemaPath); err != nil {
				return nil, nil, err
			}
		}
		return conn.Db, conn.Close, nil
	}
}
