package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity"
	identityrepo "github.com/ovaphlow/pitchfork/service-identity/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-identity/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity/internal/otp"
	otprepo "github.com/ovaphlow/pitchfork/service-identity/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-identity/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity/internal/session"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-identity")

	// init db
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("db config: %v", err)
	}
	db, err := database.Open(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	users := identityrepo.NewIdentityRepo(db)
	codes := otprepo.NewCodeRepo(db)
	if os.Getenv("DATABASE_AUTO_MIGRATE") != "false" {
		migrateCtx, cancel := context.WithTimeout(context.Background(), dbCfg.Timeout)
		if err := users.EnsureTable(migrateCtx); err != nil {
			sugar.Fatalf("ensure users table: %v", err)
		}
		if err := codes.EnsureTable(migrateCtx); err != nil {
			sugar.Fatalf("ensure otp_codes table: %v", err)
		}
		cancel()
	}

	tokenCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		sugar.Fatalf("token config: %v", err)
	}
	node, err := utilities.SnowflakeNodeFromEnv()
	if err != nil {
		sugar.Fatalf("snowflake node: %v", err)
	}
	clock := clockwork.NewRealClock()
	tokens, err := token.NewAuthority(tokenCfg, clock, node)
	if err != nil {
		sugar.Fatalf("token authority: %v", err)
	}

	mailCfg, err := notify.LoadConfigFromEnv()
	if err != nil {
		sugar.Fatalf("mail config: %v", err)
	}
	if mailCfg.Host == "" {
		sugar.Warn("MAIL_HOST not set; OTP codes will be logged instead of mailed")
	}
	mail := notify.NewDispatcher(notify.New(mailCfg, sugar), mailCfg, sugar)
	defer mail.Close()

	otpCfg, err := otp.LoadConfigFromEnv()
	if err != nil {
		sugar.Fatalf("otp config: %v", err)
	}
	cookieCfg, err := session.LoadCookieConfigFromEnv(tokens.RefreshTTL())
	if err != nil {
		sugar.Fatalf("cookie config: %v", err)
	}

	hasher := identity.BcryptHasher{Cost: identity.BcryptCostFromEnv()}
	sessions := session.NewService(session.Deps{
		Users:  users,
		Codes:  otp.NewEngine(codes, otpCfg, clock, sugar),
		Tokens: tokens,
		Hasher: hasher,
		Mail:   mail,
		Clock:  clock,
		Logger: sugar,
	})

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// mount http server
	handler := router.RegisterRoutes(sugar, router.Deps{
		Auth:   session.NewHandler(sessions, cookieCfg, sugar),
		Users:  identity.NewHandler(identity.NewService(users, hasher), sugar),
		Bearer: token.RequireBearer(tokens),
	})
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	// ping db once more
	if err := db.PingContext(doneCtx); err != nil {
		sugar.Warnf("db ping on shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
