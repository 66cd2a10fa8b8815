package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"nextbt/internal/config"
	"nextbt/internal/db"
	"nextbt/internal/events"
	"nextbt/internal/handlers"
	"nextbt/internal/logging"
	"nextbt/internal/middleware"
	"nextbt/internal/notify"
	"nextbt/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		JSON:       cfg.LogFormat == "json",
	})
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}
	defer logger.Close()
	log := logger.WithField("component", "server")

	database, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close()

	if err := notify.Migrate(database, logger); err != nil {
		log.Fatalf("migration: %v", err)
	}

	audit := notify.NewAuditLog(database, cfg.AuditQueueSize, logger.WithField("component", "audit"))
	audit.Start()

	transports := buildTransports(cfg, database, logger)
	dispatcher := notify.NewDispatcher(transports, audit, cfg.ChannelTimeout, logger.WithField("component", "dispatch"))
	log.Infof("channels configured: %v", dispatcher.Channels())

	resolver := notify.NewResolver(database, cfg.EmailEnabled)
	queue := notify.NewDigestQueue(database, cfg.Location())
	digests := notify.NewDigestProcessor(database, dispatcher, logger.WithField("component", "digest"))

	bus := events.NewBus(logger.WithField("component", "events"))
	service := notify.NewService(database, resolver, dispatcher, queue, notify.ServiceConfig{
		NotifySelf: cfg.NotifySelf,
		BaseURL:    cfg.BaseURL,
		QueueSize:  cfg.EventQueueSize,
	}, logger.WithField("component", "notify"))
	service.Start(bus)

	var sched *scheduler.Scheduler
	if cfg.DigestSchedule != "" {
		sched, err = scheduler.New(cfg.DigestSchedule, digests, cfg.DigestRetentionDays, cfg.Location(),
			logger.WithField("component", "scheduler"))
		if err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		sched.Start()
	}

	limiter := middleware.NewRateLimiter(120, time.Minute, logger.WithField("component", "http"))
	defer limiter.Stop()

	h := handlers.New(handlers.Deps{
		DB:            database,
		Bus:           bus,
		Notifier:      service,
		Resolver:      resolver,
		Digests:       digests,
		RetentionDays: cfg.DigestRetentionDays,
		CronSecret:    cfg.CronSecret,
		Log:           logger.WithField("component", "http"),
	})
	if cfg.CronSecret == "" {
		log.Warn("CRON_SECRET is not set; the digest trigger endpoint will reject every call")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		log.Infof("nextbt notification server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if sched != nil {
		sched.Stop(ctx)
	}
	service.Stop()
	audit.Stop()
	log.Info("stopped")
}

// buildTransports creates a transport for every channel that has enough
// configuration, each throttled when CHANNEL_RATE_PER_SEC is set.
func buildTransports(cfg config.Config, database *sql.DB, logger *logging.Logger) []notify.Transport {
	log := logger.WithField("component", "transports")
	var out []notify.Transport
	add := func(t notify.Transport) {
		out = append(out, notify.RateLimited(t, cfg.ChannelRatePerSec, 1))
	}

	if cfg.EmailEnabled && cfg.SMTPConfigured() {
		add(notify.NewEmailTransport(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Security: cfg.SMTP.Security,
		}, nil))
	} else if cfg.EmailEnabled {
		log.Warn("SMTP is not configured; email delivery disabled")
	}

	services := []struct {
		channel notify.Channel
		url     string
	}{
		{notify.ChannelPushover, cfg.PushoverURL},
		{notify.ChannelRocketChat, cfg.RocketChatURL},
		{notify.ChannelTeams, cfg.TeamsURL},
	}
	for _, s := range services {
		if s.url == "" {
			continue
		}
		t, err := notify.NewServiceTransport(s.channel, s.url, nil)
		if err != nil {
			log.Errorf("skipping %s: %v", s.channel, err)
			continue
		}
		add(t)
	}

	if cfg.VAPID.PublicKey != "" && cfg.VAPID.PrivateKey != "" {
		add(notify.NewWebPushTransport(notify.VAPIDConfig{
			PublicKey:  cfg.VAPID.PublicKey,
			PrivateKey: cfg.VAPID.PrivateKey,
			Subscriber: cfg.VAPID.Subject,
			TTL:        cfg.VAPID.TTL,
		}, cfg.BaseURL, func(ctx context.Context, sub notify.WebPushSubscription) {
			if err := notify.DisableSubscription(ctx, database, sub.ID); err != nil {
				log.Errorf("disable expired push subscription %d: %v", sub.ID, err)
				return
			}
			log.WithField("user_id", sub.UserID).Infof("push subscription %d expired and was disabled", sub.ID)
		}))
	}
	return out
}
