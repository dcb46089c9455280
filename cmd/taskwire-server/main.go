package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskwire/taskwire/changebus"
	"github.com/taskwire/taskwire/metrics"
	"github.com/taskwire/taskwire/server"
	"github.com/taskwire/taskwire/service"
	"github.com/taskwire/taskwire/store"
)

var (
	addr       = flag.String("addr", ":8080", "Address to listen on")
	dbPath     = flag.String("db", "taskwire.db", "SQLite database path")
	busKind    = flag.String("bus", "memory", "Change bus backend: memory, redis, nats or kafka")
	redisAddr  = flag.String("redis-addr", "localhost:6379", "Redis address for -bus redis")
	natsURL    = flag.String("nats-url", nats.DefaultURL, "NATS URL for -bus nats")
	kafkaAddrs = flag.String("kafka-addrs", "localhost:9092", "Comma-separated Kafka brokers for -bus kafka")
	seed       = flag.Bool("seed", true, "Seed default users and tags into an empty database")
	trace      = flag.Bool("trace", false, "Export traces to stdout")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("failed to create trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	if *seed {
		if err := st.Users.Ensure(ctx, "alice", "bob", "carol"); err != nil {
			log.Fatalf("failed to seed users: %v", err)
		}
		if err := st.Tags.Ensure(ctx, "home", "work", "urgent"); err != nil {
			log.Fatalf("failed to seed tags: %v", err)
		}
	}

	bus, err := newBus()
	if err != nil {
		log.Fatalf("failed to create change bus: %v", err)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	svc, err := service.New(st, bus)
	if err != nil {
		log.Fatalf("failed to create service: %v", err)
	}
	srv := server.New(svc, bus)

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler(reg)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("taskwire server listening", "addr", *addr, "bus", *busKind, "db", *dbPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func newBus() (changebus.Bus, error) {
	switch *busKind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return changebus.NewRedisBus(client), nil
	case "nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, err
		}
		return changebus.NewNATSBus(conn), nil
	case "kafka":
		cfg := sarama.NewConfig()
		cfg.Producer.Return.Successes = true
		return changebus.NewKafkaBus(strings.Split(*kafkaAddrs, ","), cfg)
	default:
		return changebus.NewInMemory(), nil
	}
}
