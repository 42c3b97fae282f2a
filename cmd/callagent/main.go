package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcall/internal/auth"
	"chatcall/internal/chatlog"
	"chatcall/internal/config"
	"chatcall/internal/controller"
	"chatcall/internal/httpapi"
	"chatcall/internal/media"
	"chatcall/internal/presence"
	"chatcall/internal/signaling"
	"chatcall/pkg/logger"
	"chatcall/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

// callStore is what a signaling backend must provide to the agent.
type callStore interface {
	signaling.Store
	signaling.GroupStore
}

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	store, closeStore, err := openSignaling(rootCtx, cfg, log)
	if err != nil {
		log.Error("signaling init failed", "err", err, "backend", cfg.Signaling.Backend)
		os.Exit(1)
	}
	defer closeStore.Close()

	repo, closeRepo, err := openChatLog(rootCtx, cfg)
	if err != nil {
		log.Error("chat log init failed", "err", err, "backend", cfg.ChatLog.Backend)
		os.Exit(1)
	}
	defer closeRepo.Close()
	chat := chatlog.NewService(repo)

	settings := media.SettingsFromConfig(cfg.Media)
	perms := media.StaticPermissions{Microphone: cfg.Media.AllowMicrophone, Camera: cfg.Media.AllowCamera}
	notifier := presence.NewLogNotifier(log)

	registry := controller.NewRegistry(func(userID string) *controller.Controller {
		userLog := log.With("user_id", userID)
		return controller.New(controller.Config{
			UserID: userID,
			Store:  store,
			Engine: media.NewEngine(store, media.Options{
				Settings: settings,
				Capturer: newCapturer(userLog),
				Logger:   userLog,
			}),
			Permissions: perms,
			ChatLog:     chat,
			Notifier:    notifier,
			Logger:      log,
		})
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerCORS(r, cfg.App.AllowedOrigins)

	h := httpapi.Handlers{Auth: authManager, Calls: registry, Groups: store}
	registerPublicRoutes(r)
	registerAuthRoutes(r, h)
	registerProtectedRoutes(r, h, auth.RequireAccessToken(authManager))

	// No WriteTimeout: event and render sockets are long-lived and manage their own deadlines.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("call agent listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"signaling", cfg.Signaling.Backend,
			"chat_log", cfg.ChatLog.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Ends live calls locally and closes every subscription before the backends go away.
	registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func openSignaling(ctx context.Context, cfg config.Config, log *slog.Logger) (callStore, io.Closer, error) {
	if cfg.Signaling.Backend == config.BackendMemory {
		return signaling.NewMemoryStore(), io.NopCloser(nil), nil
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:       cfg.RedisAddr(),
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		ClientName: "callagent",
	})
	if err != nil {
		return nil, nil, err
	}
	return signaling.NewRedisStore(rdb, signaling.RedisStoreOptions{Logger: logger.Component(log, "signaling")}), rdb, nil
}

func openChatLog(ctx context.Context, cfg config.Config) (chatlog.Repository, io.Closer, error) {
	if cfg.ChatLog.Backend != config.BackendPostgres {
		return chatlog.NewMemoryRepo(), io.NopCloser(nil), nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo := chatlog.NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, db, nil
}
