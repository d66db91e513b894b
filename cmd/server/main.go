/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Billing Engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, parse flags (env vars fill flag defaults)
  2. Open the store (Postgres when DATABASE_URL is set, else SQLite)
  3. Load the plan catalog
  4. Wire the service graph (credits, wallet, subscriptions, lifecycle,
     top-ups, seats) around the Stripe client
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080, env PORT)
  -db       SQLite database path (default: billing.db, env SQLITE_PATH)
            Use ":memory:" for an in-memory database
  -plans    Plan catalog path (default: plans.json, env PLANS_PATH)
  -env      Plan environment: test or production (env PLAN_ENV)
  -grant    Grant target: subscriber, seat-users or manual (env GRANT_TARGET)

ENVIRONMENT:
  DATABASE_URL           Postgres DSN; switches the store off SQLite
  DATABASE_SCHEMA        Postgres schema (default: billing)
  STRIPE_SECRET_KEY      API key for the payment processor
  STRIPE_WEBHOOK_SECRET  Signing secret for /webhooks/stripe
  CHECKOUT_SUCCESS_URL   Hosted checkout return URL
  CHECKOUT_CANCEL_URL    Hosted checkout cancel URL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

EXAMPLES:
  # Local SQLite with test plans
  ./server -db=./data/billing.db -plans=./plans.json

  # Postgres
  DATABASE_URL=postgres://billing@localhost/billing ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/payments"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/seats"
	"github.com/warp/billing-engine/store/postgres"
	"github.com/warp/billing-engine/store/sqlite"
	"github.com/warp/billing-engine/subscriptions"
	"github.com/warp/billing-engine/topup"
	"github.com/warp/billing-engine/wallet"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envOr("SQLITE_PATH", "billing.db"), "SQLite database path")
	plansPath := flag.String("plans", envOr("PLANS_PATH", "plans.json"), "plan catalog path")
	planEnv := flag.String("env", envOr("PLAN_ENV", plan.EnvTest), "plan environment (test|production)")
	grantTarget := flag.String("grant", envOr("GRANT_TARGET", string(lifecycle.TargetSubscriber)), "grant target (subscriber|seat-users|manual)")
	flag.Parse()

	ctx := context.Background()

	// Store selection: DATABASE_URL wins, SQLite is the local default.
	var (
		ledgerStore  ledger.Store
		replicaStore replica.Store
		closeStore   func()
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:    dsn,
			Schema: os.Getenv("DATABASE_SCHEMA"),
		})
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		ledgerStore, replicaStore = pg, pg
		closeStore = pg.Close
		log.Printf("[BILLING] action=store_open driver=postgres")
	} else {
		sq, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		ledgerStore, replicaStore = sq, sq
		closeStore = func() { sq.Close() }
		log.Printf("[BILLING] action=store_open driver=sqlite path=%s", *dbPath)
	}
	defer closeStore()

	// Plan catalog
	cfg, err := plan.Load(*plansPath)
	if err != nil {
		log.Fatalf("Failed to load plan catalog %s: %v", *plansPath, err)
	}
	resolver := plan.NewResolver(cfg, *planEnv)

	// Payment processor
	stripeClient := payments.NewStripe(os.Getenv("STRIPE_SECRET_KEY"))

	// Service graph
	creditSvc := credits.New(ledgerStore)
	subs := subscriptions.New(replicaStore, resolver)
	target := lifecycle.GrantTarget(*grantTarget)
	applier := lifecycle.NewApplier(creditSvc, replicaStore, resolver, target, lifecycle.Callbacks{})
	engine := topup.NewEngine(creditSvc, replicaStore, subs, stripeClient, topup.URLs{
		CheckoutSuccess: os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancel:  os.Getenv("CHECKOUT_CANCEL_URL"),
	}, topup.Callbacks{})
	seatSvc := seats.New(replicaStore, creditSvc, subs, stripeClient, target)

	handler := &api.Handler{
		Credits:       creditSvc,
		Wallet:        wallet.New(creditSvc),
		Subscriptions: subs,
		Lifecycle:     applier,
		TopUps:        engine,
		Seats:         seatSvc,
		Replica:       replicaStore,
		Plans:         resolver,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	}

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("[BILLING] action=server_start addr=:%d env=%s target=%s", *port, *planEnv, target)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
