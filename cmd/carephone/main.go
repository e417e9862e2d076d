package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/carephone/carephone/internal/api"
	"github.com/carephone/carephone/internal/api/middleware"
	"github.com/carephone/carephone/internal/audio"
	"github.com/carephone/carephone/internal/battery"
	"github.com/carephone/carephone/internal/calllog"
	"github.com/carephone/carephone/internal/callsession"
	"github.com/carephone/carephone/internal/config"
	"github.com/carephone/carephone/internal/contacts"
	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/diagnostics"
	"github.com/carephone/carephone/internal/email"
	"github.com/carephone/carephone/internal/media"
	"github.com/carephone/carephone/internal/metrics"
	"github.com/carephone/carephone/internal/nag"
	"github.com/carephone/carephone/internal/phonenumber"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/push"
	"github.com/carephone/carephone/internal/screening"
	"github.com/carephone/carephone/internal/sip"
	"github.com/carephone/carephone/internal/sounds"
	"github.com/carephone/carephone/internal/speech"
)

// retentionInterval is how often old call log entries are pruned.
const retentionInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("carephone exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting carephone",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"provider", cfg.SIPProviderHost,
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	settingsRepo, err := database.NewSettingsRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	contactRepo := database.NewContactRepository(db)
	callLogRepo := database.NewCallLogRepository(db)

	policyStore, err := policy.NewStore(appCtx, settingsRepo, logger)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	defer policyStore.Close()

	matcher := phonenumber.NewMatcher(cfg.CountryCode)
	lookup := contacts.NewLookup(contactRepo, matcher, logger)

	// Carer alerts go out by push and e-mail when either is configured.
	pushClient := push.NewClient(cfg.PushGatewayURL, cfg.LicenseKey, logger)
	mailer := email.NewSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, logger)
	reporter := diagnostics.NewReporter(logger, policyStore, pushClient, mailer)
	defer reporter.Wait()

	recorder := calllog.NewRecorder(callLogRepo, lookup, reporter, logger)
	defer recorder.Close()
	if err := recorder.Load(appCtx); err != nil {
		// The phone still works; reminders start with the calls missed from now on.
		slog.Error("failed to load unread missed calls", "error", err)
	}
	go recorder.RunRetention(appCtx, cfg.CallLogRetention, retentionInterval)

	engine, err := speech.NewExecEngine(cfg.TTSCommand, logger)
	if err != nil {
		return fmt.Errorf("creating speech engine: %w", err)
	}
	if err := sounds.WriteDefaults(cfg.SoundsDir, logger); err != nil {
		return fmt.Errorf("writing default sounds: %w", err)
	}
	player, err := media.DialPlayer(cfg.SoundSinkAddr, cfg.SoundsDir, logger)
	if err != nil {
		return fmt.Errorf("creating sound player: %w", err)
	}
	defer player.Close()
	mixer := audio.NewExecMixer(cfg.SpeakerPort, cfg.EarpiecePort, logger)

	pool, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}
	gateway, err := sip.NewGateway(sip.Config{
		ListenAddr:  cfg.SIPListenAddr(),
		Transport:   cfg.SIPTransport,
		ContactHost: cfg.ContactIP(),
		Provider: sip.Provider{
			Host:         cfg.SIPProviderHost,
			Port:         cfg.SIPProviderPort,
			Username:     cfg.SIPUsername,
			AuthUsername: cfg.SIPAuthUsername,
			Password:     cfg.SIPPassword,
			Expiry:       cfg.SIPRegisterExpiry,
		},
		Media: media.BridgeConfig{
			Pool:       pool,
			DeviceAddr: cfg.AudioDeviceAddr,
		},
		Router: mixer,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating sip gateway: %w", err)
	}

	audioCtl := audio.NewController(audio.Config{
		Engine: engine,
		Player: player,
		Mixer:  mixer,
		Route:  gateway,
		Policy: policyStore,
		Logger: logger,
	})
	go audioCtl.Run(appCtx)

	nagger := nag.NewScheduler(audioCtl, recorder, lookup, policyStore, reporter, logger)
	go nagger.Run(appCtx)

	screener := screening.New(screening.Config{
		Contacts: lookup,
		Policy:   policyStore,
		Recorder: recorder,
		Missed:   nagger,
		Reporter: reporter,
		Matcher:  matcher,
		Timeout:  cfg.ScreeningTimeout,
		Logger:   logger,
	})

	manager := callsession.NewManager(callsession.Config{
		Gateway:  gateway,
		Screener: screener,
		Contacts: lookup,
		Policy:   policyStore,
		Audio:    audioCtl,
		Recorder: recorder,
		Nag:      nagger,
		Reporter: reporter,
		Logger:   logger,
	})
	defer manager.Close()

	gateway.SetHandler(manager)
	gateway.Start(appCtx)
	defer gateway.Stop()

	// A phone without a battery (mains-only dev board) skips announcements.
	var batteryProvider metrics.BatteryProvider
	if source, err := battery.NewSysfsSource(cfg.BatteryPath, cfg.BatteryName); err != nil {
		slog.Warn("battery monitoring disabled", "error", err)
	} else {
		announcer := battery.NewAnnouncer(source, audioCtl, policyStore, logger)
		go announcer.Run(appCtx, cfg.BatteryPollInterval)
		batteryProvider = announcer
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager, nagger, recorder, callLogRepo, batteryProvider, gateway, startTime),
		reporter,
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	handler := api.NewServer(api.Config{
		Calls:        manager,
		Missed:       recorder,
		Nag:          nagger,
		Policy:       policyStore,
		Contacts:     contactRepo,
		CallLog:      callLogRepo,
		Registration: gateway,
		Gatherer:     registry,
		JWTSecret:    jwtSecret,
		CORSOrigins:  middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Logger:       logger,
	})
	defer handler.Close()

	// No WriteTimeout: the events stream is long-lived and sets its own
	// write deadlines.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	// End any call before the line goes away so the far end gets a BYE.
	if err := manager.EndCall(ctx); err != nil {
		slog.Debug("no call to end on shutdown", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	appCancel()

	slog.Info("carephone stopped", "uptime", time.Since(startTime).Round(time.Second).String())
	return serveErr
}
