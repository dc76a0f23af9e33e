package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/broker"
	"github.com/joelkehle/agentvault/internal/registry"
	"github.com/joelkehle/agentvault/internal/vault"
)

func main() {
	rootFlag := flag.String("root", "", "path to the filesystem vault root (overrides VAULT_ROOT env var)")
	dbFlag := flag.String("db", "", "path to a SQLite vault database (overrides DB_PATH env var)")
	interval := flag.Duration("interval", 5*time.Second, "broker cycle interval")
	retention := flag.Int("retention-days", 7, "terminal record retention window in days")
	metricsAddr := flag.String("metrics", ":9100", "listen address for /metrics (empty to disable)")
	brokerID := flag.String("id", "broker", "broker identity for collect-step claims")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := initTracing(ctx)
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("tracing shutdown failed err=%v", err)
			}
		}()
	}

	v, err := openVault(*rootFlag, *dbFlag)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}

	secret, err := vault.LoadSecret(ctx, v)
	if err != nil {
		log.Fatalf("load signing secret: %v", err)
	}

	reg := registry.New(v, registry.Config{})
	metrics := broker.NewMetrics(prometheus.DefaultRegisterer)
	b := broker.New(v, reg, a2a.NewSigner(secret), metrics, broker.Config{
		BrokerID:      *brokerID,
		Interval:      *interval,
		RetentionDays: *retention,
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server failed err=%v", err)
			}
		}()
	}

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("broker stopped: %v", err)
	}
}

// openVault resolves the backend: --db flag > DB_PATH env > --root flag >
// VAULT_ROOT env > ./vault.
func openVault(rootFlag, dbFlag string) (vault.Vault, error) {
	dbPath := dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath != "" {
		log.Printf("using sqlite vault at %s", dbPath)
		return vault.NewSQLVault(dbPath)
	}
	root := rootFlag
	if root == "" {
		root = os.Getenv("VAULT_ROOT")
	}
	if root == "" {
		root = "./vault"
	}
	log.Printf("using filesystem vault at %s", root)
	return vault.NewFSVault(root)
}

func initTracing(ctx context.Context) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "vault-broker"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
