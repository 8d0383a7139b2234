package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/jasonheron/VideoForgeBot/internal/bootstrap"
	"github.com/jasonheron/VideoForgeBot/internal/config"
	"github.com/jasonheron/VideoForgeBot/internal/jobs"
	jobspostgres "github.com/jasonheron/VideoForgeBot/internal/jobs/postgres"
	jobssqlite "github.com/jasonheron/VideoForgeBot/internal/jobs/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/ledger"
	ledgerpostgres "github.com/jasonheron/VideoForgeBot/internal/ledger/postgres"
	ledgersqlite "github.com/jasonheron/VideoForgeBot/internal/ledger/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/modelmeta"
	"github.com/jasonheron/VideoForgeBot/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		if err = runInit(os.Args[2:]); err == nil {
			fmt.Println("forge config initialised")
		}
	case "balance":
		err = runBalance(os.Args[2:])
	case "grant":
		err = runGrant(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "job":
		err = runJob(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "version":
		fmt.Println(version.FullInfo())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("forge %s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`VideoForge operator CLI

Usage:
  forge init [flags]              Generate config/setting.ini and environment overrides
  forge balance --account <id>    Show an account's credit balance
  forge grant --account <id> --credits <n> [--reason <text>]
                                  Grant credits to an account
  forge history --account <id> [--limit <n>]
                                  Show an account's recent transactions
  forge job --id <job-id>         Show a generation job
  forge models                    List the model catalog
  forge version                   Print build information

Flags for init:
  --root string             output directory (default '.')
  --env string              environment name (default 'dev')
  --bot-token string        chat platform bot token
  --provider-api-key string generation provider API key
  --callback-secret string  shared secret for callback HMAC verification
  --callback-url string     public callback URL given to the provider
  --listen-port int         callback server port (default 8090)
  --ledger-path string      ledger SQLite path (default ~/.videoforge/ledger.db)
  --jobs-path string        job registry SQLite path (default ~/.videoforge/jobs.db)
  --force                   overwrite existing files
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	botToken := fs.String("bot-token", "", "chat platform bot token")
	providerKey := fs.String("provider-api-key", "", "generation provider API key")
	callbackSecret := fs.String("callback-secret", "", "callback HMAC secret")
	callbackURL := fs.String("callback-url", "", "public callback URL")
	listenPort := fs.Int("listen-port", 8090, "callback server port")
	ledgerPath := fs.String("ledger-path", "", "ledger sqlite path")
	jobsPath := fs.String("jobs-path", "", "job registry sqlite path")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := bootstrap.InitOptions{
		Root:           *root,
		Environment:    *env,
		BotToken:       *botToken,
		ProviderAPIKey: *providerKey,
		CallbackSecret: *callbackSecret,
		CallbackURL:    *callbackURL,
		ListenPort:     *listenPort,
		LedgerPath:     *ledgerPath,
		JobsPath:       *jobsPath,
		Force:          *force,
	}
	if err := bootstrap.Validate(opts); err != nil {
		return err
	}
	return bootstrap.Init(opts)
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	account := fs.String("account", "", "account id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("--account is required")
	}

	store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	balance, err := store.Balance(context.Background(), *account)
	if err != nil {
		return err
	}
	fmt.Printf("account=%s balance=%d\n", *account, balance)
	return nil
}

func runGrant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	account := fs.String("account", "", "account id")
	credits := fs.Int64("credits", 0, "credits to grant")
	reason := fs.String("reason", "operator grant", "grant reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("--account is required")
	}
	if *credits <= 0 {
		return fmt.Errorf("--credits must be positive")
	}

	store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	txID, err := store.Credit(ctx, *account, *credits, *reason)
	if err != nil {
		return err
	}
	balance, err := store.Balance(ctx, *account)
	if err != nil {
		return err
	}
	fmt.Printf("granted account=%s credits=%d tx=%s balance=%d\n", *account, *credits, txID, balance)
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	account := fs.String("account", "", "account id")
	limit := fs.Int("limit", 20, "maximum transactions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("--account is required")
	}

	store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.History(context.Background(), *account, *limit)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Printf("account=%s has no transactions\n", *account)
		return nil
	}
	for _, tx := range history {
		line := fmt.Sprintf("%s  %-6s %6d  %s", tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Kind, tx.Amount, tx.Reason)
		if tx.RefundOf != "" {
			line += "  refund_of=" + tx.RefundOf
		}
		fmt.Println(line)
	}
	return nil
}

func runJob(args []string) error {
	fs := flag.NewFlagSet("job", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return fmt.Errorf("--id is required")
	}

	registry, err := openJobs()
	if err != nil {
		return err
	}
	defer registry.Close()

	job, err := registry.Get(context.Background(), *id)
	if err != nil {
		return err
	}
	fmt.Printf("job=%s account=%s model=%s status=%s created=%s\n",
		job.ID, job.AccountID, job.Model, job.Status, job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.ResultRef != "" {
		fmt.Printf("result=%s\n", job.ResultRef)
	}
	if job.FailReason != "" {
		fmt.Printf("fail_reason=%s\n", job.FailReason)
	}
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadForgeConfig(".")
	if err != nil {
		return err
	}
	catalog := modelmeta.Defaults()
	if strings.TrimSpace(cfg.ModelsFile) != "" {
		if _, err := catalog.LoadFile(cfg.ModelsFile); err != nil {
			return err
		}
	}
	for _, entry := range catalog.List() {
		image := "text-only"
		if entry.AcceptsImage {
			image = "accepts-image"
		}
		fmt.Printf("%-16s %-24s cost=%d %s\n", entry.ID, entry.DisplayName, entry.CostCredits, image)
	}
	return nil
}

func openLedger() (ledger.Store, error) {
	cfg, err := config.LoadForgeConfig(".")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.LedgerDSN) != "" {
		return ledgerpostgres.New(cfg.LedgerDSN, 4, 2, 30, 5)
	}
	return ledgersqlite.New(cfg.LedgerPath)
}

func openJobs() (jobs.Registry, error) {
	cfg, err := config.LoadForgeConfig(".")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.JobsDSN) != "" {
		return jobspostgres.New(cfg.JobsDSN, 4, 2)
	}
	return jobssqlite.New(cfg.JobsPath)
}
