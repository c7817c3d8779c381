package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/config"
	"github.com/mrtangpham/ap-quiz/internal/domain"
	"github.com/mrtangpham/ap-quiz/internal/infra/memory"
	pgloader "github.com/mrtangpham/ap-quiz/internal/infra/postgres"
	redisinfra "github.com/mrtangpham/ap-quiz/internal/infra/redis"
	transport "github.com/mrtangpham/ap-quiz/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 2*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var rooms app.RoomStore
	if redisClient != nil {
		rooms = redisinfra.NewRoomStore(redisClient, redisTTL)
	} else {
		rooms = memory.NewRoomStore()
	}

	broker := bus.NewBroker()
	service := app.NewRoomService(rooms, quizRepo, broker, app.Options{
		DefaultPoints:   cfg.Room.DefaultPoints,
		MinTimeLimitSec: cfg.Quiz.MinTimeLimitSec,
		MaxTimeLimitSec: cfg.Quiz.MaxTimeLimitSec,
		PollInterval:    config.TTLDuration(cfg.Room.PollInterval, 2*time.Second),
		PollWindow:      config.TTLDuration(cfg.Room.PollWindow, 30*time.Second),
	})
	if pool != nil {
		service.WithArchiver(pgloader.NewResultArchiver(pool))
	}

	runCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	if redisClient != nil {
		bridge := redisinfra.NewEventBridge(redisClient, broker)
		service.WithPublisher(bridge)
		go func() {
			if err := bridge.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.Printf("event bridge stopped: %v", err)
			}
		}()
	}

	tick := config.TTLDuration(cfg.Room.CountdownTick, 200*time.Millisecond)
	wsHandler := transport.NewWSHandler(service, tick)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting quiz session server on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides demo content for running without Postgres.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:           "q1",
					Order:        1,
					Prompt:       "What is 2 + 2?",
					TimeLimitSec: 10,
					Options: []domain.Option{
						{ID: "o1", Label: "A", Text: "3"},
						{ID: "o2", Label: "B", Text: "4", Correct: true},
						{ID: "o3", Label: "C", Text: "5"},
						{ID: "o4", Label: "D", Text: "22"},
					},
					Points: 10,
				},
				{
					ID:           "q2",
					Order:        2,
					Prompt:       "Which planet is closest to the sun?",
					TimeLimitSec: 15,
					Options: []domain.Option{
						{ID: "o5", Label: "A", Text: "Venus"},
						{ID: "o6", Label: "B", Text: "Mars"},
						{ID: "o7", Label: "C", Text: "Mercury", Correct: true},
						{ID: "o8", Label: "D", Text: "Earth"},
					},
					Points: 10,
				},
			},
		},
	}
}
