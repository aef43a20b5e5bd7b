package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/tradeyard/otpcourier/internal/audit"
	"github.com/tradeyard/otpcourier/internal/database"
	"github.com/tradeyard/otpcourier/internal/directory"
	"github.com/tradeyard/otpcourier/internal/dispatch"
	"github.com/tradeyard/otpcourier/internal/ledger"
	"github.com/tradeyard/otpcourier/internal/monitor"
	"github.com/tradeyard/otpcourier/internal/passcode"
	"github.com/tradeyard/otpcourier/internal/prefs"
	"github.com/tradeyard/otpcourier/internal/store"
	"github.com/tradeyard/otpcourier/internal/store/redis"
	"github.com/vinovest/sqlx"
	"github.com/zerodha/logf"
)

// App is the global app context injected into the HTTP handlers.
type App struct {
	store    store.Store
	db       *sqlx.DB
	dir      directory.Directory
	engine   *passcode.Engine
	orch     *dispatch.Orchestrator
	prefs    *prefs.Store
	auditLog *audit.Log
	audit    *audit.Dispatcher
	lo       logf.Logger

	constants constants
}

var (
	ko = koanf.New(".")
	lo = logf.New(logf.Opts{EnableColor: true, EnableCaller: true})

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	if ko.Bool("app.debug") {
		lo = logf.New(logf.Opts{Level: logf.DebugLevel, EnableColor: true, EnableCaller: true})
	}

	// Passcode store.
	var rc redis.Conf
	if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading store config", "error", err)
	}
	st := redis.New(rc)
	if err := st.Ping(); err != nil {
		lo.Fatal("unable to reach redis", "error", err)
	}

	// Relational store for the ledger, preferences, users and the
	// audit stream. Migrations run on open.
	db, err := database.Open(ko.String("app.db"))
	if err != nil {
		lo.Fatal("error opening database", "db", ko.String("app.db"), "error", err)
	}
	defer db.Close()

	var (
		auditLog  = audit.NewLog(db)
		dir       = directory.NewSQL(db)
		prefStore = prefs.NewStore(db)
		led       = ledger.New(db)
	)

	provs, err := initProviders()
	if err != nil {
		lo.Fatal("error initializing providers", "error", err)
	}
	if len(provs) == 0 {
		lo.Fatal("no providers configured. Add [provider.*] blocks to the config.")
	}
	tpls, err := initProviderTemplates(provs)
	if err != nil {
		lo.Fatal("error loading provider templates", "error", err)
	}

	// The monitor mails alerts through the first adapter that carries
	// e-mail, when there is one.
	var mailer monitor.Mailer
	for _, p := range provs {
		for _, c := range p.Channels() {
			if c == "email" {
				mailer = p
				break
			}
		}
		if mailer != nil {
			break
		}
	}

	monCfg := monitor.DefaultConf()
	if err := ko.UnmarshalWithConf("monitor", &monCfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading monitor config", "error", err)
	}
	mon := monitor.New(monCfg, auditLog, dir, prefStore, mailer, lo)

	disp := audit.NewDispatcher(ko.Int("app.audit_buffer"), auditLog, mon)
	defer disp.Close()

	var ec passcode.Conf
	if err := ko.UnmarshalWithConf("otp", &ec, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading otp config", "error", err)
	}
	engine := passcode.New(ec, st, dir, disp, lo)

	var dc dispatch.Conf
	if err := ko.UnmarshalWithConf("delivery", &dc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading delivery config", "error", err)
	}
	orch := dispatch.New(dc, engine, prefStore, led, dir, disp, lo)
	for _, p := range provs {
		orch.Register(p, tpls[p.ID()])
		lo.Info("registered provider", "id", p.ID(), "channels", p.Channels())
	}

	app := &App{
		store:     st,
		db:        db,
		dir:       dir,
		engine:    engine,
		orch:      orch,
		prefs:     prefStore,
		auditLog:  auditLog,
		audit:     disp,
		lo:        lo,
		constants: initConstants(),
	}

	// Background retry sweep.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go orch.RunSweep(sweepCtx)

	authCreds := initAuth()
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpcourier"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Post("/api/otp/send", auth(authCreds, throttle(app, wrap(app, handleSendOTP))))
	r.Post("/api/otp/verify", auth(authCreds, throttle(app, wrap(app, handleVerifyOTP))))

	r.Get("/api/deliveries", auth(authCreds, wrap(app, handleListDeliveries)))
	r.Get("/api/deliveries/stats", auth(authCreds, wrap(app, handleDeliveryStats)))
	r.Get("/api/deliveries/{id}", auth(authCreds, wrap(app, handleGetDelivery)))
	r.Post("/api/deliveries/{id}/retry", auth(authCreds, throttle(app, wrap(app, handleRetryDelivery))))

	r.Get("/api/preferences", auth(authCreds, wrap(app, handleGetPreferences)))
	r.Put("/api/preferences", auth(authCreds, wrap(app, handleUpdatePreferences)))
	r.Delete("/api/preferences", auth(authCreds, wrap(app, handleResetPreferences)))
	r.Get("/api/preferences/plan", auth(authCreds, wrap(app, handleGetPlan)))
	r.Get("/api/rate-limit", auth(authCreds, wrap(app, handleRateLimit)))

	r.Get("/api/providers", auth(authCreds, wrap(app, handleGetProviders)))
	r.Get("/api/security-events", auth(authCreds, wrap(app, handleGetSecurityEvents)))
	r.Delete("/api/security-events", auth(authCreds, wrap(app, handleDeleteSecurityEvents)))

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "version", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
