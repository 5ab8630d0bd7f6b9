// Command auth-worker consumes REGISTER and GETHASH requests from the broker
// and answers them from the credential store.
package main

import (
	"flag"
	"fmt"
	"mqauth/auth"
	"mqauth/broker"
	"mqauth/config"
	"mqauth/middleware"
	"mqauth/registry"
	"mqauth/server"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var version string

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "auth-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "mqauth.yaml", "Configuration file")
	flag.Parse()
	if version == "" {
		version = "<no tag>"
	}

	cfg, err := config.Load(*configFile, true)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("auth-worker starting", zap.String("version", version), zap.String("config", *configFile))

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	conn, err := broker.Dial(cfg.Broker.URL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	svr := server.NewServer(conn, logger)
	if err := svr.Register(auth.NewService(store, logger)); err != nil {
		return err
	}
	svr.SetPrefetch(cfg.Worker.Prefetch)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Worker.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Worker.RateLimit, cfg.Worker.RateBurst))
	}
	svr.Use(middleware.RetryMiddleware(cfg.Worker.MaxRetries, cfg.Worker.RetryBaseDelay.Std(), logger))
	svr.Use(middleware.TimeOutMiddleware(cfg.Worker.HandlerTimeout.Std()))

	if len(cfg.Registry.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		node := registry.BrokerNode{Name: cfg.Registry.NodeName, URL: cfg.Broker.URL, Weight: 1}
		if err := svr.Advertise(reg, cfg.Registry.Service, node, cfg.Registry.LeaseTTL); err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(cfg.Broker.IntakeQueue) }()

	select {
	case err := <-served:
		return err
	case sig := <-sigs:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	}
	return multierr.Append(svr.Shutdown(cfg.Worker.ShutdownTimeout.Std()), <-served)
}
