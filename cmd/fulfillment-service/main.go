package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/segmentio/kafka-go"

	invapp "github.com/agrihaul/fulfillment/internal/inventory/application"
	invmem "github.com/agrihaul/fulfillment/internal/inventory/infrastructure/memory"
	invpg "github.com/agrihaul/fulfillment/internal/inventory/infrastructure/postgres"
	orderapp "github.com/agrihaul/fulfillment/internal/order/application"
	"github.com/agrihaul/fulfillment/internal/order/infrastructure/catalog"
	orderhttp "github.com/agrihaul/fulfillment/internal/order/infrastructure/http"
	ordermem "github.com/agrihaul/fulfillment/internal/order/infrastructure/memory"
	orderpg "github.com/agrihaul/fulfillment/internal/order/infrastructure/postgres"
	orchapp "github.com/agrihaul/fulfillment/internal/orchestrator/application"
	payapp "github.com/agrihaul/fulfillment/internal/payment/application"
	paydom "github.com/agrihaul/fulfillment/internal/payment/domain"
	"github.com/agrihaul/fulfillment/internal/payment/infrastructure/gateway"
	paykafka "github.com/agrihaul/fulfillment/internal/payment/infrastructure/kafka"
	paymem "github.com/agrihaul/fulfillment/internal/payment/infrastructure/memory"
	paypg "github.com/agrihaul/fulfillment/internal/payment/infrastructure/postgres"
	slmem "github.com/agrihaul/fulfillment/internal/statusledger/infrastructure/memory"
	slpg "github.com/agrihaul/fulfillment/internal/statusledger/infrastructure/postgres"
	"github.com/agrihaul/fulfillment/pkg/idempotency"
	"github.com/agrihaul/fulfillment/pkg/logging"
	"github.com/agrihaul/fulfillment/pkg/metrics"
	"github.com/agrihaul/fulfillment/pkg/outbox"
	"github.com/agrihaul/fulfillment/pkg/shutdown"
	"github.com/agrihaul/fulfillment/pkg/tracing"
)

func main() {
	_ = godotenv.Load()
	log := logging.New(env("LOG_LEVEL", "info"))

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error("service exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	tracing.InitPropagator()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := tracing.Init(ctx, "fulfillment-service", endpoint, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	m := metrics.New()
	reservationTTL := envDuration("RESERVATION_TTL", 2*time.Minute)
	authTimeout := envDuration("AUTH_TIMEOUT", 30*time.Second)

	storeKind := env("STORE", "memory")
	log.Info("starting fulfillment service", "store", storeKind)

	switch storeKind {
	case "postgres":
		return runPostgres(ctx, log, m, reservationTTL, authTimeout)
	case "memory":
		return runMemory(ctx, log, m, reservationTTL, authTimeout)
	default:
		return errors.New("STORE must be memory or postgres")
	}
}

func runMemory(ctx context.Context, log *slog.Logger, m *metrics.Fulfillment, ttl, authTimeout time.Duration) error {
	inventory := invapp.NewService(log, invmem.NewStore(), ttl)
	ledger := slmem.NewStore()
	orders := ordermem.NewRepository()
	intents := paymem.NewRepository()

	sim := gateway.NewSimulator(log, envDuration("GATEWAY_DELAY", 200*time.Millisecond), declineRule())
	payments := payapp.NewReconciler(log, intents, sim, ledger)
	sim.SetHandler(payments)

	coord := orchapp.NewCoordinator(log, orders, buildCatalog(), ledger, inventory, payments, m,
		orchapp.Config{AuthorizationTimeout: authTimeout})

	go func() {
		_ = orchapp.NewSweeper(log, inventory, coord, m, envDuration("SWEEP_INTERVAL", 10*time.Second)).Run(ctx)
	}()

	seedStock(ctx, log, inventory)
	return serve(ctx, log, orderhttp.NewHandler(log, coord, inventory, payments))
}

func runPostgres(ctx context.Context, log *slog.Logger, m *metrics.Fulfillment, ttl, authTimeout time.Duration) error {
	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer pool.Close()

	invStore := invpg.NewStore(log, pool)
	ledger := slpg.NewStore(log, pool)
	orders := orderpg.NewRepository(pool)
	intents := paypg.NewRepository(pool)
	for _, ensure := range []func(context.Context) error{
		invStore.EnsureSchema, ledger.EnsureSchema, orders.EnsureSchema, intents.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return err
		}
	}

	inventory := invapp.NewService(log, invStore, ttl)

	sim := gateway.NewSimulator(log, envDuration("GATEWAY_DELAY", 200*time.Millisecond), declineRule())
	payments := payapp.NewReconciler(log, intents, sim, ledger)
	sim.SetHandler(payments)

	coord := orchapp.NewCoordinator(log, orders, buildCatalog(), ledger, inventory, payments, m,
		orchapp.Config{AuthorizationTimeout: authTimeout})

	go func() {
		_ = orchapp.NewSweeper(log, inventory, coord, m, envDuration("SWEEP_INTERVAL", 10*time.Second)).Run(ctx)
	}()

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
		defer writer.Close()

		dispatcher := outbox.NewDispatcher(log, writer, env("KAFKA_ORDER_EVENTS_TOPIC", "order-events"))
		relay := outbox.NewRelay(log, slpg.NewOutboxStore(pool), dispatcher, uuid.NewString())
		go func() {
			_ = relay.Run(ctx)
		}()

		rdb := redis.NewClient(&redis.Options{Addr: env("REDIS_ADDR", "localhost:6379")})
		defer rdb.Close()
		idem := idempotency.NewStore(rdb, 24*time.Hour)

		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: strings.Split(brokers, ","),
			GroupID: env("KAFKA_GROUP_ID", "fulfillment-payments"),
			Topic:   env("KAFKA_PAYMENT_CALLBACK_TOPIC", "payment-callbacks"),
		})
		consumer := paykafka.NewCallbackConsumer(log, reader, idem, payments)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("callback consumer stopped", "err", err)
			}
		}()
	}

	seedStock(ctx, log, inventory)
	return serve(ctx, log, orderhttp.NewHandler(log, coord, inventory, payments))
}

func serve(ctx context.Context, log *slog.Logger, handler *orderhttp.Handler) error {
	mux := handler.Routes()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              env("HTTP_ADDR", ":8080"),
		Handler:           cors.AllowAll().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	}
}

// buildCatalog uses the remote catalog when CATALOG_URL is set, otherwise a
// static price list from CATALOG_PRICES ("sku=cents,sku=cents").
func buildCatalog() orderapp.CatalogClient {
	if url := os.Getenv("CATALOG_URL"); url != "" {
		return catalog.NewClient(url)
	}
	prices := make(map[string]int64)
	for k, v := range pairs(os.Getenv("CATALOG_PRICES")) {
		prices[k] = v
	}
	return catalog.Static{Prices: prices}
}

// declineRule declines any authorization above GATEWAY_DECLINE_OVER cents.
// Zero means authorize everything.
func declineRule() gateway.DecideFunc {
	limit, _ := strconv.ParseInt(os.Getenv("GATEWAY_DECLINE_OVER"), 10, 64)
	if limit <= 0 {
		return nil
	}
	return func(orderID string, amountCents int64) (paydom.Outcome, string) {
		if amountCents > limit {
			return paydom.OutcomeDeclined, "amount over limit"
		}
		return paydom.OutcomeAuthorized, ""
	}
}

// seedStock loads SEED_STOCK ("sku=qty,sku=qty") into the inventory.
func seedStock(ctx context.Context, log *slog.Logger, inventory *invapp.Service) {
	for sku, qty := range pairs(os.Getenv("SEED_STOCK")) {
		if _, err := inventory.AddStock(ctx, sku, int(qty)); err != nil {
			log.Error("seeding stock failed", "product_id", sku, "err", err)
		}
	}
}

func pairs(raw string) map[string]int64 {
	out := make(map[string]int64)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
