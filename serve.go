package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"whatsapp-dashboard/config"
	"whatsapp-dashboard/database"
	"whatsapp-dashboard/internal/handler"
	"whatsapp-dashboard/internal/logger"
	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/service"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/worker"
	"whatsapp-dashboard/internal/ws"
)

const shutdownTimeout = 20 * time.Second

func serveCmd(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	log.Info().
		Bool("webhook", cfg.EnableWebhook).
		Bool("websocket_incoming_msg", cfg.EnableWebsocketIncomingMessage).
		Bool("auth", cfg.AuthEnabled()).
		Str("db_driver", db.Driver).
		Msg("feature flags")

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(component(log, "hub"))
	go hub.Run(hubCtx)

	settings := service.NewWebhookSettings(model.NewSettingsStore(db))
	var (
		notifier   service.InboundNotifier
		dispatcher *service.WebhookDispatcher
	)
	if cfg.EnableWebhook {
		dispatcher = service.NewWebhookDispatcher(settings, component(log, "webhook"))
		notifier = dispatcher
	}

	factory := whatsapp.NewClientFactory(cfg.AuthDir, cfg.DeviceName, component(log, "whatsmeow"))
	sup := service.NewSupervisor(factory, hub, notifier, service.SupervisorConfig{
		LogoutTimeout:        cfg.LogoutTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		DefaultCountryCode:   cfg.DefaultCountryCode,
		PublishIncoming:      cfg.EnableWebsocketIncomingMessage,
		PrintQRTerminal:      cfg.PrintQRTerminal,
	}, component(log, "supervisor"))

	broadcaster := service.NewBroadcaster(sup, hub, service.BroadcastConfig{
		MaxRecipients: cfg.BroadcastMaxRecipients,
		RatePerSecond: cfg.BroadcastRatePerSecond,
	}, component(log, "broadcast"))

	var auth *service.AuthService
	if cfg.AuthEnabled() {
		if cfg.AdminPasswordHash == "" {
			log.Warn().Msg("ADMIN_PASSWORD_HASH is not set, /auth/login will reject every attempt")
		}
		auth = service.NewAuthService(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPasswordHash, cfg.JWTAccessExpiry)
	} else {
		log.Warn().Msg("JWT_SECRET is not set, the API is not protected")
	}

	e := newEcho(cfg, component(log, "http"))
	h := &handler.Handler{
		Sessions:           sup,
		Broadcasts:         broadcaster,
		Webhook:            settings,
		Contacts:           model.NewContactStore(db),
		Hub:                hub,
		Auth:               auth,
		DefaultCountryCode: cfg.DefaultCountryCode,
		AllowedOrigins:     cfg.CORSAllowOrigins,
		Version:            version,
		Log:                component(log, "http"),
	}
	h.Register(e)

	restored, err := sup.Restore(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to restore sessions")
	}
	log.Info().Int("sessions", restored).Msg("stored sessions restored")

	heartbeat, err := worker.NewHeartbeatWorker(sup, cfg.HeartbeatSchedule, component(log, "heartbeat"))
	if err != nil {
		return err
	}
	heartbeat.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("base_url", cfg.BaseURL).Msg("server starting")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	notifySystemd(log, daemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-serverErr:
		log.Error().Err(runErr).Msg("server stopped unexpectedly")
	}
	notifySystemd(log, daemon.SdNotifyStopping)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	heartbeat.Stop(sctx)
	broadcaster.Close()
	if err := sup.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("session shutdown")
	}
	if dispatcher != nil {
		dispatcher.Close(sctx)
	}
	log.Info().Msg("bye")
	return runErr
}

func newEcho(cfg *config.Config, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	}))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.PUT,
			echo.PATCH,
			echo.DELETE,
			echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestedWith,
			echo.HeaderAuthorization,
		},
		AllowCredentials: true,
	}))

	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == "/ws" },
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitPerSecond),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: time.Duration(cfg.RateLimitWindowMinutes) * time.Minute,
			},
		),
	}))

	return e
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func notifySystemd(log zerolog.Logger, state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	} else if ok {
		log.Debug().Str("state", state).Msg("sd_notify sent")
	}
}
