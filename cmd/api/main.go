package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"botdeck.io/internal/account"
	"botdeck.io/internal/appcfg"
	"botdeck.io/internal/audit"
	"botdeck.io/internal/config"
	"botdeck.io/internal/embed"
	"botdeck.io/internal/httpapi"
	"botdeck.io/internal/obs"
	"botdeck.io/internal/token"
	"botdeck.io/internal/vault"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional, env-only works)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	tokens, err := token.NewService(
		token.WithKeys(cfg.Token.PrivateKeyPEM, cfg.Token.PublicKeyPEM),
		token.WithIssuer(cfg.Token.Issuer),
		token.WithAudience(cfg.Token.Audience),
	)
	if err != nil {
		log.Fatalf("init token service: %v", err)
	}

	sealer, err := vault.New(cfg.VaultKey)
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}

	trail := audit.NewTrail(audit.NewPGStore(db))

	accounts, err := account.NewService(account.NewPGStore(db), trail,
		account.WithMaxAttempts(cfg.Account.MaxAttempts),
		account.WithLockoutDuration(cfg.Account.Lockout),
		account.WithIPAllowList(cfg.Account.IPAllowList),
	)
	if err != nil {
		log.Fatalf("init account service: %v", err)
	}

	apps, err := appcfg.NewService(appcfg.NewPGStore(db), sealer, trail)
	if err != nil {
		log.Fatalf("init app service: %v", err)
	}

	directory, err := embed.NewHTTPDirectory(cfg.Embed.DirectoryURL, nil)
	if err != nil {
		log.Fatalf("init directory client: %v", err)
	}
	verifier, err := embed.NewVerifier([]byte(cfg.Embed.Secret), directory,
		embed.WithFreshnessWindow(cfg.Embed.Freshness),
	)
	if err != nil {
		log.Fatalf("init embed verifier: %v", err)
	}

	api, err := httpapi.New(httpapi.Deps{
		Tokens:   tokens,
		Accounts: accounts,
		Apps:     apps,
		Embed:    verifier,
		Trail:    trail,
		Probe:    httpapi.ReadyProbe{DB: db},
		TTLs: httpapi.TTLs{
			User:  cfg.Token.UserTTL,
			Admin: cfg.Token.AdminTTL,
			Embed: cfg.Token.EmbedTTL,
		},
		Throttle: httpapi.Throttle{
			AnonRPS:        cfg.Throttle.AnonRPS,
			AnonBurst:      cfg.Throttle.AnonBurst,
			LoginPerMinute: cfg.Throttle.LoginPerMinute,
		},
		Production: cfg.Production(),
		Version:    version,
	})
	if err != nil {
		log.Fatalf("init http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting botdeck-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	trail.Close()
	_ = db.Close()
	log.Println("Stopped")
}
