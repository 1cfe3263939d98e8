package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/streamrelay/streamrelay/internal/auth"
	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/delivery/connection"
	"github.com/streamrelay/streamrelay/internal/delivery/direct"
	queuedelivery "github.com/streamrelay/streamrelay/internal/delivery/queue"
	"github.com/streamrelay/streamrelay/internal/fanout"
	"github.com/streamrelay/streamrelay/internal/handler"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/sequencer"
	"github.com/streamrelay/streamrelay/internal/source"
	"github.com/streamrelay/streamrelay/internal/taskqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	reg := registry.New(registry.Config{
		Retention:    cfg.Session.Retention,
		MaxStreaming: cfg.Session.MaxStreaming,
	})
	go reg.Run(ctx)

	seq := sequencer.New(reg)
	src := newSource(ctx, cfg.Model)
	verifier := newVerifier(cfg.Auth)
	q, bus := newQueueAndBus(cfg.Queue)
	defer q.Close()
	defer bus.Close()

	directHandler := direct.New(reg, seq, src)
	gateway := connection.NewGateway(reg, seq, src, verifier)
	strategy := queuedelivery.NewStrategy(reg, q)
	relay := queuedelivery.NewRelay(reg, bus)

	worker := queuedelivery.NewWorker(reg, seq, src, q, bus, queuedelivery.WorkerConfig{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.RetryBackoff,
	})
	for i := 0; i < cfg.Queue.Workers; i++ {
		go worker.Run(ctx)
	}
	log.Printf("started %d queue workers", cfg.Queue.Workers)

	router := handler.NewRouter(verifier, directHandler, gateway, strategy, relay, reg)

	startServer(ctx, cfg.Server, router)
}

// newSource prefers the configured model and falls back to the echo source
// so every delivery path stays exercisable without credentials.
func newSource(ctx context.Context, cfg config.ModelConfig) source.Source {
	if !cfg.Enabled() {
		log.Println("model credentials not configured, using echo source")
		return source.NewEcho(30 * time.Millisecond)
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		log.Printf("warning: failed to initialize chat model: %v", err)
		log.Println("falling back to echo source")
		return source.NewEcho(30 * time.Millisecond)
	}

	ark, err := source.NewArk(ctx, chatModel)
	if err != nil {
		log.Printf("warning: failed to build generation chain: %v", err)
		log.Println("falling back to echo source")
		return source.NewEcho(30 * time.Millisecond)
	}

	log.Println("generation source initialized successfully")
	return ark
}

func newVerifier(cfg config.AuthConfig) auth.Verifier {
	if !cfg.Enabled() {
		log.Println("auth secret not configured, requests are unauthenticated")
		return nil
	}
	log.Println("JWT verifier enabled")
	return auth.NewJWTVerifier(cfg.JWTSecret, cfg.Issuer)
}

// newQueueAndBus selects Redis-backed drivers when an address is configured
// and in-process drivers otherwise.
func newQueueAndBus(cfg config.QueueConfig) (taskqueue.Queue, fanout.Bus) {
	if cfg.RedisAddr == "" {
		log.Println("REDIS_ADDR not configured, using in-process queue and fan-out")
		return taskqueue.NewMemory(), fanout.NewHub()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Printf("using Redis queue and fan-out at %s", cfg.RedisAddr)
	return taskqueue.NewRedis(client), fanout.NewRedisBus(client)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("stream relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
