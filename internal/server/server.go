package server

import (
	"backend-geotrack/internal/auth"
	"backend-geotrack/internal/config"
	"backend-geotrack/internal/store"
	"backend-geotrack/internal/stream"
	"backend-geotrack/internal/track"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App         *fiber.App
	Cfg         config.Config
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Feed        *stream.Hub
	Registry    *track.Registry
	Coordinator *track.Coordinator
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	feed := stream.NewHub(redisClient)
	coord := track.NewCoordinator()

	var trail *track.Trail
	if db != nil {
		trail = track.NewTrail(db)
	}

	registry := track.NewRegistry(store.NewRedisStore(redisClient), coord, trail, feed)
	coord.SetDisconnectFunc(registry.Disconnect)

	s := &Server{
		App:         app,
		Cfg:         cfg,
		DB:          db,
		Redis:       redisClient,
		Feed:        feed,
		Registry:    registry,
		Coordinator: coord,
	}

	registerRoutes(s, trail)
	return s
}

func registerRoutes(s *Server, trail *track.Trail) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.DB))
	track.RegisterRoutes(s.App.Group("/track"), s.Registry, s.Coordinator, trail, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Feed, jwtMiddleware)
}
