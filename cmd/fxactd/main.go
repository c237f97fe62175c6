// Command fxactd runs a standalone Foreign Transaction Manager: the
// FXact Table, WAL journal, spill store and resolver dispatcher, with
// its administrative surface mounted over HTTP. It exists to exercise
// the fxact/fxwal/spill/orchestrator/resolver/admin packages end to
// end; wiring it into a real FDW-backed query engine is left to the
// embedder.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnohosten/laura-fxact/pkg/admin"
	"github.com/mnohosten/laura-fxact/pkg/config"
	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/localtx"
	"github.com/mnohosten/laura-fxact/pkg/orchestrator"
	"github.com/mnohosten/laura-fxact/pkg/recovery"
	"github.com/mnohosten/laura-fxact/pkg/resolver"
	"github.com/mnohosten/laura-fxact/pkg/spill"
	"github.com/mnohosten/laura-fxact/pkg/waitqueue"
)

func main() {
	host := flag.String("admin-host", "localhost", "Admin surface host address")
	port := flag.Int("admin-port", 8090, "Admin surface port")
	dataDir := flag.String("data-dir", "./data", "Directory for the WAL journal and spill files")
	maxPrepared := flag.Int("max-prepared-foreign-transactions", 200, "Size of the process-wide FXact table")
	maxResolvers := flag.Int("max-foreign-transaction-resolvers", 8, "Maximum concurrent per-database resolver workers")
	retryInterval := flag.Duration("foreign-transaction-resolution-retry-interval", 5*time.Second, "Resolver worker retry interval")
	resolverTimeout := flag.Duration("foreign-transaction-resolver-timeout", 30*time.Second, "Per-call FDW timeout")
	atomicCommit := flag.String("distributed-atomic-commit", "disabled", "disabled, prefer or required")
	apiKey := flag.String("admin-api-key", "", "Admin API key; empty disables authentication")
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.AdminHost = *host
	cfg.AdminPort = *port
	cfg.DataDir = *dataDir
	cfg.MaxPreparedForeignTransactions = *maxPrepared
	cfg.MaxForeignTransactionResolvers = *maxResolvers
	cfg.ResolutionRetryInterval = *retryInterval
	cfg.ResolverTimeout = *resolverTimeout
	cfg.DistributedAtomicCommit = *atomicCommit
	cfg.AdminAPIKey = *apiKey

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fxactd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	table := fxact.NewTable(cfg.MaxPreparedForeignTransactions)
	journal, err := fxwal.OpenJournal(filepath.Join(cfg.DataDir, "fxact.wal"))
	if err != nil {
		return fmt.Errorf("opening WAL journal: %w", err)
	}
	defer journal.Close()

	store, err := spill.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening spill store: %w", err)
	}

	localTx := localtx.NewSimpleManager()
	queues := waitqueue.NewQueues()
	callbacks := fdw.NewRegistry()

	warnings := 0
	warn := func(msg string) {
		warnings++
		fmt.Printf("⚠️  recovery: %s\n", msg)
	}
	result, err := recovery.Startup(table, journal, store, 1, warn)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	fmt.Printf("🔁 recovery: restored %d entries, replayed %d WAL records, recovered %d in-flight entries (%d warnings)\n",
		result.EntriesRestored, result.RecordsReplayed, result.EntriesRecovered, warnings)

	// orch is constructed here so a query engine embedding this process
	// can call orch.Commit per local transaction; fxactd on its own only
	// exercises the admin surface and the dangling-entry scan below.
	orch := orchestrator.New(table, journal, localTx, queues, policy)
	_ = orch

	dispatcher := resolver.NewDispatcher(table, journal, store, localTx, queues, callbacks, cfg.ResolutionRetryInterval, cfg.ResolverTimeout)

	svc := admin.NewService(table, journal, store, dispatcher, callbacks)

	scanCtx, cancelScan := context.WithCancel(context.Background())
	defer cancelScan()
	go runDanglingScan(scanCtx, dispatcher, cfg.ResolutionRetryInterval)

	var auth *admin.APIKeyAuth
	if cfg.AdminAPIKey != "" {
		auth, err = admin.NewAPIKeyAuth(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("configuring admin API key: %w", err)
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	admin.Mount(router, svc, auth)

	addr := fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	fmt.Printf("🚀 fxactd admin surface starting on http://%s\n", addr)
	fmt.Printf("📁 data directory: %s\n", cfg.DataDir)
	fmt.Printf("⚙️  distributed-atomic-commit: %s\n", cfg.DistributedAtomicCommit)

	errChan := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		fmt.Printf("\n⚠️  received signal: %v, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	}
}

// runDanglingScan periodically looks for entries left with no owning
// backend (for example after a coordinator crash) whose local xid is not
// itself a prepared local transaction, the same scan spec.md's resolver
// worker runs as a backstop to waiter-driven resolution.
func runDanglingScan(ctx context.Context, dispatcher *resolver.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if resolved, err := dispatcher.ScanDangling(ctx); err != nil {
				fmt.Printf("⚠️  dangling scan error: %v\n", err)
			} else if resolved > 0 {
				fmt.Printf("🔄 dangling scan resolved %d entries\n", resolved)
			}
		}
	}
}
