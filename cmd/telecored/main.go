package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/telecore/internal/api"
	"github.com/flowpbx/telecore/internal/audio"
	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/calllog"
	"github.com/flowpbx/telecore/internal/config"
	"github.com/flowpbx/telecore/internal/headset"
	"github.com/flowpbx/telecore/internal/metrics"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/serial"
	"github.com/flowpbx/telecore/internal/sipcs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting telecore",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"dual_sim", cfg.DualSIM,
	)

	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// The shared work queue everything arbitration-related runs on.
	runner := serial.NewRunner(logger)
	defer runner.Stop()

	var policy registry.Policy = registry.SingleSubPolicy{}
	if cfg.DualSIM {
		policy = registry.DualSubPolicy{}
	}
	reg := registry.New(runner, policy, registry.Config{}, logger)

	// Audio route state machine and arbiter. Without a platform audio
	// integration the hardware sinks log transitions.
	routes := audio.NewRouteSM(runner, audio.NewLogHardware(logger), logger)
	audio.NewArbiter(reg, routes,
		audio.NewLogRinger(logger),
		audio.NewLogTones(logger),
		audio.NewLogFocus(logger),
		logger,
	)

	// Call log store and journal.
	var store *calllog.Store
	if cfg.CallLogDriver == "postgres" {
		store, err = calllog.OpenPostgres(cfg.PostgresDSN, logger)
	} else {
		store, err = calllog.OpenSQLite(cfg.DataDir, logger)
	}
	if err != nil {
		slog.Error("failed to open call log store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	journal := calllog.NewJournal(reg, store, logger)
	defer journal.Wait()

	// Upstream SIP connection service.
	var connector *sipcs.Connector
	var dialer api.Dialer
	var regSource api.RegistrationSource
	var regStatus metrics.RegistrationStatusProvider
	if cfg.SIPHost != "" {
		account := &call.Account{ID: "sip0", Subscription: 0, Label: cfg.SIPHost}
		connector, err = sipcs.New(sipcs.Config{
			Name:           "sip0",
			Host:           cfg.SIPHost,
			Port:           cfg.SIPPort,
			Transport:      cfg.SIPTransport,
			Username:       cfg.SIPUsername,
			AuthUsername:   cfg.SIPAuthUsername,
			Password:       cfg.SIPPassword,
			ListenAddr:     cfg.SIPListenAddr,
			MediaIP:        cfg.MediaIP(),
			MediaPort:      cfg.MediaPort,
			RegisterExpiry: cfg.RegisterExpiry,
		}, reg, account, logger)
		if err != nil {
			slog.Error("failed to create sip connector", "error", err)
			os.Exit(1)
		}
		reg.RegisterAccount(account)
		connector.Start(appCtx)
		defer connector.Close()

		dialer = &sipDialer{svc: connector, account: account}
		regSource = connector
		regStatus = &registrationAdapter{connector: connector}
	}

	// Headset AT command surface.
	var ats *headset.ATServer
	if cfg.HeadsetAddr != "" {
		ats = headset.NewATServer(reg, cfg.HeadsetAddr, headset.Config{
			Operator:         cfg.Operator,
			SubscriberNumber: cfg.SubscriberNumber,
		}, logger)
		if err := ats.Start(appCtx); err != nil {
			slog.Error("failed to start headset socket", "error", err)
			os.Exit(1)
		}
		defer ats.Stop()
	}

	// HTTP surface: UI snapshot hub plus the REST API.
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}
	hub := api.NewHub(reg, routes, logger)
	apiServer := api.NewServer(reg, routes, store, dialer, regSource, hub, api.Config{
		Secret:   secret,
		User:     cfg.APIUser,
		Password: cfg.APIPassword,
	}, logger)
	defer apiServer.Close()

	// Prometheus collector scraping the live components.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(
		&callCountsAdapter{reg: reg},
		&audioStateAdapter{reg: reg, routes: routes},
		regStatus,
		store,
		startTime,
	))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", apiServer)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("telecore stopped")
}

// sipDialer resolves the connection service the HTTP surface dials
// through.
type sipDialer struct {
	svc     call.Service
	account *call.Account
}

func (d *sipDialer) Service() call.Service  { return d.svc }
func (d *sipDialer) Account() *call.Account { return d.account }

// callCountsAdapter bridges the registry to the metrics collector. Reads
// marshal onto the work queue.
type callCountsAdapter struct {
	reg *registry.Registry
}

func (a *callCountsAdapter) CountsByState() map[string]int {
	return serial.Submit(a.reg.Runner(), "metrics.call-counts", func() map[string]int {
		out := make(map[string]int)
		for _, c := range a.reg.Calls() {
			out[c.State.String()]++
		}
		return out
	})
}

func (a *callCountsAdapter) HasForeground() bool {
	return serial.Submit(a.reg.Runner(), "metrics.foreground", func() bool {
		return a.reg.ForegroundCall() != nil
	})
}

func (a *callCountsAdapter) CanAddCall() bool {
	return serial.Submit(a.reg.Runner(), "metrics.can-add", func() bool {
		return a.reg.CanAddCall()
	})
}

// audioStateAdapter bridges the route state machine to the metrics
// collector.
type audioStateAdapter struct {
	reg    *registry.Registry
	routes *audio.RouteSM
}

func (a *audioStateAdapter) snapshot() audio.CallAudioState {
	return serial.Submit(a.reg.Runner(), "metrics.audio", func() audio.CallAudioState {
		return a.routes.CurrentState()
	})
}

func (a *audioStateAdapter) RouteName() string { return a.snapshot().Route.String() }
func (a *audioStateAdapter) Muted() bool       { return a.snapshot().Muted }

// registrationAdapter exposes the SIP registration status string.
type registrationAdapter struct {
	connector *sipcs.Connector
}

func (a *registrationAdapter) Status() string {
	return string(a.connector.RegistrationState().Status)
}
