package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetgate/config"
	"fleetgate/internal/auth"
	"fleetgate/internal/bot"
	"fleetgate/internal/db"
	"fleetgate/internal/health"
	"fleetgate/internal/intake"
	"fleetgate/internal/logs"
	"fleetgate/internal/middleware"
	"fleetgate/internal/registry"
	"fleetgate/internal/web"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	source bot.UpdateSource

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД + миграции до старта трафика
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		logs.Logger.Fatalf("db open failed: %v", err)
	}
	a.db = d
	if err := db.Migrate(a.db); err != nil {
		logs.Logger.Fatalf("db migrate failed: %v", err)
	}

	// 3) Учётки: дефолтный админ + зачистка plaintext-паролей
	creds := auth.NewCredentials(a.db)
	if err := creds.EnsureDefaultAdmin(); err != nil {
		logs.Logger.Fatalf("ensure default admin: %v", err)
	}
	if err := creds.MigrateLegacyPasswords(); err != nil {
		logs.Logger.Fatalf("migrate legacy passwords: %v", err)
	}
	sessions := auth.NewSessions(a.db, a.cfg.Auth.SessionTTL)

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db)

	// 5) Реестр, intake и веб-канал
	reg := registry.NewStore(a.db)
	in := intake.New(reg)
	web.New(reg, in, creds, sessions, a.cfg.Server.SecureCookies).RegisterRoutes(a.Router)

	// 6) Бот-канал (опционально, по наличию токена)
	if a.cfg.Telegram.Token != "" {
		api, err := tgbotapi.NewBotAPI(a.cfg.Telegram.Token)
		if err != nil {
			logs.Logger.Fatalf("telegram init failed: %v", err)
		}
		dispatcher := bot.NewDispatcher(api, reg, in, a.cfg.Telegram.PortalURL, a.cfg.Telegram.ConversationTTL)

		switch a.cfg.Telegram.Mode {
		case "webhook":
			wh := bot.NewWebhook(api, dispatcher, a.cfg.Telegram.WebhookURL, a.cfg.Telegram.WebhookSecret)
			wh.RegisterRoutes(a.Router)
			a.source = wh
		default:
			a.source = bot.NewPoller(api, dispatcher)
		}
		logs.Logger.Infof("telegram bot @%s enabled (%s mode)", api.Self.UserName, a.cfg.Telegram.Mode)
	} else {
		logs.Logger.Warn("telegram token not set, bot channel disabled")
	}

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if path != "" {
			logs.Logger.Debugf("route: %-6v %s", methods, path)
		}
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if a.source != nil {
		go func() {
			if err := a.source.Run(a.ctx); err != nil {
				logs.Logger.Errorf("update source: %v", err)
				a.cancel()
			}
		}()
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
