package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/experimaestro/xpm/common/endpoints"
	"github.com/experimaestro/xpm/common/log/hooks"
	"github.com/experimaestro/xpm/config"
	"github.com/experimaestro/xpm/scheduler"
)

// Daemon running the xpm scheduler. It serves the admin and resource
// endpoints over http, and the grpc health service.
func main() {
	log.AddHook(hooks.NewContextHook())

	configFlag := flag.String("config", "local.sqlite", "Daemon config (named config, JSON file or JSON text)")
	logLevelFlag := flag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")
	httpAddr := flag.String("http_addr", "", "Bind address for http, overrides the config")
	grpcAddr := flag.String("grpc_addr", "", "Bind address for grpc health, overrides the config")
	flag.Parse()

	level, err := log.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)

	cfg, err := config.GetConfig(*configFlag)
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}
	if *httpAddr != "" {
		cfg.Endpoints.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Endpoints.GRPCAddr = *grpcAddr
	}
	log.Infof("xpmd config: %s", cfg)

	stat := endpoints.MakeStatsReceiver("xpmd")

	st, err := cfg.CreateStore(stat)
	if err != nil {
		log.Fatal("Error opening store: ", err)
	}
	defer st.Close()
	connectors, err := cfg.CreateConnectors()
	if err != nil {
		log.Fatal("Error creating connectors: ", err)
	}
	defer connectors.Close()
	b, webhooks, err := cfg.CreateBus(stat)
	if err != nil {
		log.Fatal("Error creating notifications: ", err)
	}
	if webhooks != nil {
		defer webhooks.Close()
	}
	schedCfg, err := cfg.CreateSchedulerConfig()
	if err != nil {
		log.Fatal("Error configuring scheduler: ", err)
	}
	sched, err := scheduler.New(schedCfg, st, b, connectors, stat)
	if err != nil {
		log.Fatal("Error creating scheduler: ", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatal("Error starting scheduler: ", err)
	}
	defer sched.Stop()

	var wg sync.WaitGroup
	if g := cfg.CreateGRPCConfig(); g != nil {
		ln, err := g.NewListener()
		if err != nil {
			log.Fatal("Error listening for grpc: ", err)
		}
		server, health := g.NewGRPCServer()
		health.SetServingStatus(endpoints.SchedulerService, healthpb.HealthCheckResponse_SERVING)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := endpoints.ServeGRPC(ctx, server, ln); err != nil {
				log.WithFields(log.Fields{"err": err}).Error("grpc server failed")
				cancel()
			}
		}()
	}

	server := endpoints.NewTwitterServer(cfg.Endpoints.HTTPAddr, stat, sched)
	if err := server.Serve(ctx); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("http server failed")
		cancel()
	}
	wg.Wait()
	log.Info("xpmd stopped")
}
