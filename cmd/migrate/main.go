package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	identityrepo "github.com/ovaphlow/pitchfork/service-identity/internal/identity/repo"
	otprepo "github.com/ovaphlow/pitchfork/service-identity/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// migrate creates the schema and exits. Tables are created in dependency order.
func main() {
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := database.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("db config: %v", err)
	}
	db, err := database.Open(cfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := identityrepo.NewIdentityRepo(db).EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure users table: %v", err)
	}
	if err := otprepo.NewCodeRepo(db).EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure otp_codes table: %v", err)
	}
	sugar.Infow("schema ready", "driver", cfg.Driver)
}
