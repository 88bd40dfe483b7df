package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/relvault/relvault/internal/approval"
	"github.com/relvault/relvault/internal/archive"
	"github.com/relvault/relvault/internal/checks"
	"github.com/relvault/relvault/internal/config"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/httpserver"
	"github.com/relvault/relvault/internal/ledger"
	"github.com/relvault/relvault/internal/policy"
	"github.com/relvault/relvault/internal/service"
	"github.com/relvault/relvault/internal/signer"
	"github.com/relvault/relvault/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	pol := policy.Default()
	if cfg.PolicyPath != "" {
		pol, err = policy.Load(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("policy load: %v", err)
		}
	}

	var sgn *signer.Ed25519Signer
	if cfg.SignerKeyB64 != "" {
		sgn, err = signer.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
		if err != nil {
			log.Fatalf("signer init: %v", err)
		}
	} else {
		log.Printf("[startup] RELVAULT_SIGNER_KEY_B64 unset, using ephemeral key")
		sgn = signer.NewEd25519Signer(cfg.SignerID)
	}
	// Approval tokens are minted out of band (relvault approve) with the same
	// service key; the daemon only verifies.
	verifier := approval.NewVerifier(ed25519.PublicKey(sgn.PublicKey()), cfg.ApprovalIssuer)

	var ledgerStore ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := ledger.NewPGStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("db schema: %v", err)
		}
		ledgerStore = pg
	} else {
		log.Printf("[startup] DATABASE_URL unset, using file ledger in %s", cfg.DataDir)
		ledgerStore = ledger.NewFileStore(cfg.DataDir)
	}
	contracts := contract.NewFileStore(cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led, err := ledger.New(ctx, ledgerStore, contracts, pol, sgn, verifier)
	if err != nil {
		log.Fatalf("ledger init: %v", err)
	}

	var agg *checks.Aggregator
	if cfg.CIBaseURL != "" {
		source, err := checks.NewHTTPSource(checks.HTTPSourceConfig{
			BaseURL: cfg.CIBaseURL,
			Token:   cfg.CIToken,
			Timeout: cfg.CheckTimeout,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("ci source init: %v", err)
		}
		agg = checks.NewAggregator(source, checks.AggregatorConfig{
			CheckTimeout:   cfg.CheckTimeout,
			OverallTimeout: cfg.OverallTimeout,
		})
	} else {
		log.Printf("[startup] RELVAULT_CI_BASE_URL unset, verify/seal endpoints disabled")
	}

	var publisher *stream.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = stream.NewPublisher(stream.PublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer publisher.Close()
	}

	var archiver *archive.S3Archiver
	if cfg.S3Bucket != "" {
		archiver, err = archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
	}

	svc := service.New(agg, pol, contracts, led, publisher, archiver)
	server := httpserver.New(svc, ledgerStore)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("relvault service listening on %s (policy %s)", cfg.Addr, pol.Version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
