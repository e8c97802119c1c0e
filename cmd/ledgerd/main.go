package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"smartbus-ledger/internal/api"
	"smartbus-ledger/internal/config"
	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/events"
	"smartbus-ledger/internal/fare"
	"smartbus-ledger/internal/ledger"
	"smartbus-ledger/internal/metrics"
	"smartbus-ledger/internal/resolver"
	"smartbus-ledger/internal/telemetry"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrate error: %v", err)
		}
		log.Printf("migrations applied from %s", cfg.MigrationsDir)
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	gormDB, err := db.Gorm(sqlDB)
	if err != nil {
		log.Fatalf("gorm error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.Fares.MinFare, cfg.Fares.DefaultStopPrice, cfg.Fares.GeofenceRadiusKm, cfg.RouteCacheTTL.Seconds())
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv.Shutdown)
	}

	pub, err := newPublisher(cfg, mcol)
	if err != nil {
		log.Fatalf("events error: %v", err)
	}
	defer pub.Close()

	res := resolver.New(gormDB, cfg.Fares.GeofenceRadiusKm, cfg.RouteCacheTTL)
	trips := ledger.New(gormDB, res, fare.NewCalculator(cfg.Fares.MinFare, cfg.Fares.DefaultStopPrice), pub, mcol)
	ingestor := telemetry.NewIngestor(gormDB, res, pub, mcol)

	server := api.NewServer(gormDB, trips, ingestor, mcol, cfg.DeviceToken, cfg.RequestTimeout)
	httpSrv := server.Serve(cfg.HTTPAddr)

	// Block until context cancelled
	<-ctx.Done()
	shutdown(httpSrv.Shutdown)
	log.Println("shutdown complete")
}

func shutdown(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func newPublisher(cfg *config.Config, mcol *metrics.Collector) (events.Publisher, error) {
	m := wrapPublisherMetrics(mcol)
	switch cfg.EventsBackend {
	case "amqp":
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange, cfg.LogEventSubjects, m)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "none":
		log.Printf("events disabled")
		return events.Nop{}, nil
	default:
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.LogEventSubjects, m)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) events.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) PublishedInc()                  { p.c.EventsPublished.Inc() }
func (p *pubMetrics) PublishErrInc()                 { p.c.EventPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) SetConnected(b bool) {
	if b {
		p.c.BrokerConnected.Set(1)
	} else {
		p.c.BrokerConnected.Set(0)
	}
}
