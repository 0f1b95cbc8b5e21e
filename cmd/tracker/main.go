package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/api"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/feed"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/route"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		log.Fatalf("tuning error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn := cfg.DatabaseURL
	if cfg.City != "" {
		var name string
		dsn, name, err = db.ResolveCityDSN(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Fatalf("resolve database for city %q: %v", cfg.City, err)
		}
		log.Printf("using database %q for city %q", name, cfg.City)
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	store := db.NewStore(sqlDB, cfg.Location)

	// Metrics are optional; keep nil collectors out of the interfaces below
	var (
		mcol       *metrics.Collector
		feedM      feed.Metrics
		pubM       publisher.PublisherMetrics
		refreshOps []fleet.RefresherOption
	)
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval)
		feedM, pubM = mcol, mcol
		refreshOps = append(refreshOps, fleet.WithMetrics(mcol))
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	latest := feed.NewLatest(cfg.Retention)
	sub, err := feed.NewSubscriber(cfg.NATSURL, cfg.NATSFeedSubject, latest, feedM)
	if err != nil {
		log.Fatalf("nats feed error: %v", err)
	}
	defer sub.Close()
	go latest.PruneEvery(ctx, time.Minute)
	if cfg.GTFSRTURL != "" {
		rt := feed.NewRealtimeSource(cfg.GTFSRTURL, cfg.GTFSRTInterval, latest, feedM)
		go rt.Run(ctx)
		log.Printf("polling gtfs-rt %s every %s", cfg.GTFSRTURL, cfg.GTFSRTInterval)
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSPublishPrefix, cfg.LogNATSSubjects, pubM)
	if err != nil {
		log.Fatalf("nats publisher error: %v", err)
	}
	defer pub.Close()

	rcfg := fleet.DefaultRefresherConfig()
	rcfg.Interval = cfg.RefreshInterval
	rcfg.Concurrency = cfg.FetchConcurrency
	rcfg.Routes = cfg.Routes
	rcfg.Focus = cfg.FocusStops
	refreshOps = append(refreshOps, fleet.WithStopSource(store), fleet.WithSinks(pub))
	if len(cfg.Routes) == 0 && len(cfg.FocusStops) == 0 {
		log.Printf("no ROUTES or FOCUS_STOPS set; watching every route in the feed")
		refreshOps = append(refreshOps, fleet.WithRouteLister(latest))
	}

	merger := fleet.NewMerger(tuning.FleetConfig(cfg.Retention))
	refresher := fleet.NewRefresher(rcfg, merger, latest, store, route.NewCache(), refreshOps...)
	refresher.Start(ctx)

	api.Serve(ctx, cfg.HTTPAddr, api.NewRouter(refresher))

	<-ctx.Done()
	refresher.Stop()
	log.Println("shutdown complete")
}
