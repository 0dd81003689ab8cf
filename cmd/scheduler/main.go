package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	notifhandler "notify-scheduler/internal/api/handlers/notification"
	systemhandler "notify-scheduler/internal/api/handlers/system"
	"notify-scheduler/internal/api/router"
	"notify-scheduler/internal/api/server"
	"notify-scheduler/internal/config"
	"notify-scheduler/internal/delivery"
	"notify-scheduler/internal/jobstore"
	"notify-scheduler/internal/presence"
	"notify-scheduler/internal/rabbitmq/queue"
	"notify-scheduler/internal/realtime"
	notifrepo "notify-scheduler/internal/repository/notification"
	"notify-scheduler/internal/restore"
	"notify-scheduler/internal/scheduler"
	"notify-scheduler/internal/timer"
	"notify-scheduler/pkg/email"
	"notify-scheduler/pkg/webapi"
	"notify-scheduler/pkg/whatsapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	dlq, err := queue.NewDeadLetterQueue(ch)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create dead letter queue")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	repo := notifrepo.NewRepository(db)

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	store := jobstore.New(rdb.Client, cfg.Retry)
	timers := timer.NewRegistry()
	emitter := realtime.NewEmitter(rdb.Client)
	presenceManager := presence.NewManager(rdb.Client)

	webClient := webapi.NewClient(cfg.WebAPI.BaseURL)
	whatsAppClient := whatsapp.NewClient(cfg.CRM.BaseURL, cfg.CRM.Code)
	emailClient := email.NewClient(
		cfg.Email.SMTPHost,
		cfg.Email.SMTPPort,
		cfg.Email.Username,
		cfg.Email.Password,
		cfg.Email.From,
	)

	pipeline := delivery.NewPipeline(
		webClient,
		whatsAppClient,
		emailClient,
		emitter,
		repo,
		store,
		timers,
		dlq,
		cfg.Delivery.BaseDelay,
		cfg.Frontend.BaseURL,
		cfg.Retry,
	)

	service := scheduler.NewService(repo, store, timers, pipeline)

	// Timers died with the previous process; rebuild them before
	// accepting traffic. A failed restore means an unknown set of
	// pending obligations, so it is fatal.
	coordinator := restore.NewCoordinator(repo, store, timers, pipeline)
	if _, err := coordinator.Run(ctx); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to restore scheduled notifications")
	}

	notifHandler := notifhandler.NewHandler(service, val, cfg)
	sysHandler := systemhandler.NewHandler(service, presenceManager, val)

	r := router.New(notifHandler, sysHandler)
	s := server.New(cfg.Server, r)

	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	timers.CancelAll()

	if err := presenceManager.Clear(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to clear presence state")
	}

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}
