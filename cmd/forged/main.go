package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/callback"
	"github.com/jasonheron/VideoForgeBot/internal/config"
	"github.com/jasonheron/VideoForgeBot/internal/conversation"
	"github.com/jasonheron/VideoForgeBot/internal/core"
	"github.com/jasonheron/VideoForgeBot/internal/httpserver"
	"github.com/jasonheron/VideoForgeBot/internal/jobs"
	jobspostgres "github.com/jasonheron/VideoForgeBot/internal/jobs/postgres"
	jobssqlite "github.com/jasonheron/VideoForgeBot/internal/jobs/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/ledger"
	ledgerpostgres "github.com/jasonheron/VideoForgeBot/internal/ledger/postgres"
	ledgersqlite "github.com/jasonheron/VideoForgeBot/internal/ledger/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/logging"
	"github.com/jasonheron/VideoForgeBot/internal/modelmeta"
	"github.com/jasonheron/VideoForgeBot/internal/provider"
	"github.com/jasonheron/VideoForgeBot/internal/provider/kie"
	"github.com/jasonheron/VideoForgeBot/internal/provider/loopback"
	"github.com/jasonheron/VideoForgeBot/internal/version"
)

func main() {
	cfg, err := config.LoadForgeConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFileDaemon)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[forged] ")
		defer rot.Close()
	}

	log.Printf("VideoForge daemon %s starting env=%s", version.Info(), cfg.Environment)

	if strings.TrimSpace(cfg.CallbackSecret) == "" {
		log.Fatalf("callback_secret is required; run 'forge init' or set FORGE_CALLBACK_SECRET")
	}

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	registry, err := openJobs(cfg)
	if err != nil {
		log.Fatalf("open job registry: %v", err)
	}
	defer registry.Close()

	catalog := modelmeta.Defaults()
	if strings.TrimSpace(cfg.ModelsFile) != "" {
		n, err := catalog.LoadFile(cfg.ModelsFile)
		if err != nil {
			log.Fatalf("load model catalog: %v", err)
		}
		log.Printf("model catalog loaded file=%s models=%d", cfg.ModelsFile, n)
	}

	verifier := callback.NewVerifier(cfg.CallbackSecret)

	// Loopback keeps the daemon usable without provider credentials and
	// stands in for the chat delivery channel until one is wired.
	lb := loopback.New()
	var submitter provider.Submitter = lb
	if strings.TrimSpace(cfg.ProviderAPIKey) != "" {
		kieClient, err := kie.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.CallbackURL, nil)
		if err != nil {
			log.Fatalf("init provider client: %v", err)
		}
		kieClient.SetLogger(log.New(log.Writer(), "[forged/provider] ", log.LstdFlags|log.Lmicroseconds))
		submitter = kieClient
		log.Printf("generation provider configured base_url=%s", cfg.ProviderBaseURL)
	} else {
		log.Printf("no provider_api_key configured; using loopback submitter")
	}

	orch, err := core.New(core.Config{
		Ledger:    ledgerStore,
		Jobs:      registry,
		Verifier:  verifier,
		Submitter: submitter,
		Deliverer: lb,
		Catalog:   catalog,
		Retention: cfg.Retention,
	})
	if err != nil {
		log.Fatalf("init orchestrator: %v", err)
	}
	orch.SetLogger(log.New(log.Writer(), "[forge/core] ", log.LstdFlags|log.Lmicroseconds))

	sessions := conversation.NewManager()

	httpSrv, err := httpserver.New(orch, ledgerStore, registry, cfg.AdminToken)
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}
	httpSrv.SetLogger(log.New(log.Writer(), "[forged/http] ", log.LstdFlags|log.Lmicroseconds))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go orch.RunSweeper(ctx, cfg.SweepInterval)
	go sweepConversations(ctx, sessions, cfg.ConversationTimeout)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("callback server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger selects postgres when a DSN is configured, sqlite otherwise.
func openLedger(cfg config.ForgeConfig) (ledger.Store, error) {
	if strings.TrimSpace(cfg.LedgerDSN) != "" {
		log.Printf("ledger backend: postgres")
		return ledgerpostgres.New(cfg.LedgerDSN, 10, 5, 30, 5)
	}
	log.Printf("ledger backend: sqlite path=%s", cfg.LedgerPath)
	return ledgersqlite.New(cfg.LedgerPath)
}

// openJobs selects postgres when a DSN is configured, sqlite otherwise.
func openJobs(cfg config.ForgeConfig) (jobs.Registry, error) {
	if strings.TrimSpace(cfg.JobsDSN) != "" {
		log.Printf("job registry backend: postgres")
		return jobspostgres.New(cfg.JobsDSN, 10, 5)
	}
	log.Printf("job registry backend: sqlite path=%s", cfg.JobsPath)
	return jobssqlite.New(cfg.JobsPath)
}

func sweepConversations(ctx context.Context, sessions *conversation.Manager, maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.SweepIdle(maxIdle); n > 0 {
				log.Printf("dropped %d idle conversations", n)
			}
		}
	}
}
