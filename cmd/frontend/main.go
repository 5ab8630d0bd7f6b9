// Command frontend serves the web frontend. It finds a broker through the
// registry and talks to the auth worker over it. With -dev it runs an
// in-process broker and worker instead and needs no external services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mqauth/auth"
	"mqauth/broker"
	"mqauth/client"
	"mqauth/config"
	"mqauth/credstore"
	"mqauth/loadbalance"
	"mqauth/registry"
	"mqauth/server"
	"mqauth/stats"
	"mqauth/web"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/securecookie"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "frontend:", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "mqauth.yaml", "Configuration file")
	dev := flag.Bool("dev", false, "Run an in-process broker and auth worker")
	flag.Parse()

	cfg, err := config.Load(*configFile, true)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		reg     registry.Registry
		dial    broker.DialFunc
		service = cfg.Registry.Service
	)
	if *dev {
		mem := broker.NewMemory(logger.Named("broker"))
		worker, err := startDevWorker(mem, cfg, logger)
		if err != nil {
			return err
		}
		defer worker.Shutdown(cfg.Worker.ShutdownTimeout.Std())
		reg = registry.NewStaticRegistry(service, registry.BrokerNode{Name: "memory", URL: "memory://", Weight: 1})
		dial = mem.Dialer()
	} else {
		var closeReg func() error
		reg, closeReg, err = newRegistry(cfg, logger)
		if err != nil {
			return err
		}
		defer closeReg()
		dial = broker.AMQPDialer(logger)
	}

	bal := newBalancer(cfg.Registry)
	conn, node, err := client.Connect(reg, bal, service, dial, logger)
	if err != nil {
		return err
	}
	logger.Info("using broker", zap.String("node", node.Name))

	pool := client.NewPool(conn, cfg.Broker.IntakeQueue, cfg.Broker.PoolSize, logger)
	pool.SetTimeout(cfg.Broker.RequestTimeout.Std())
	defer func() {
		pool.Close()
		pool.Conn().Close()
	}()

	reconnector := client.NewReconnector(pool, reg, bal, service, dial, logger.Named("reconnect"))
	reconnector.Attach(node.Name)
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go reconnector.Run(watchCtx)

	hashKey := []byte(cfg.Web.HashKey)
	if len(hashKey) == 0 && *dev {
		logger.Warn("web.hashKey not set; sessions will not survive a restart")
		hashKey = securecookie.GenerateRandomKey(32)
	}
	var blockKey []byte
	if cfg.Web.BlockKey != "" {
		blockKey = []byte(cfg.Web.BlockKey)
	}
	sessions, err := web.NewSessions(hashKey, blockKey, cfg.Web.SecureCookies)
	if err != nil {
		return err
	}

	lookup := stats.NewClient(cfg.Web.StatsBaseURL, cfg.Web.StatsRate, cfg.Web.StatsTimeout.Std(), logger)
	srv := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           web.NewHandler(pool, lookup, sessions, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()
	logger.Info("frontend listening", zap.String("addr", cfg.Web.Listen), zap.Bool("dev", *dev))

	select {
	case err := <-served:
		return err
	case sig := <-sigs:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout.Std())
	defer cancel()
	err = srv.Shutdown(ctx)
	if serveErr := <-served; !errors.Is(serveErr, http.ErrServerClosed) {
		err = multierr.Append(err, serveErr)
	}
	return err
}

// newRegistry lists broker nodes from etcd, the static node list, or the
// single configured URL, in that order of preference.
func newRegistry(cfg config.Config, logger *zap.Logger) (registry.Registry, func() error, error) {
	rc := cfg.Registry
	switch {
	case len(rc.EtcdEndpoints) > 0:
		etcdReg, err := registry.NewEtcdRegistry(rc.EtcdEndpoints, logger)
		if err != nil {
			return nil, nil, err
		}
		return etcdReg, etcdReg.Close, nil
	case len(rc.Nodes) > 0:
		nodes := make([]registry.BrokerNode, 0, len(rc.Nodes))
		for _, n := range rc.Nodes {
			nodes = append(nodes, registry.BrokerNode{Name: n.Name, URL: n.URL, Weight: n.Weight})
		}
		return registry.NewStaticRegistry(rc.Service, nodes...), func() error { return nil }, nil
	default:
		node := registry.BrokerNode{Name: rc.NodeName, URL: cfg.Broker.URL, Weight: 1}
		return registry.NewStaticRegistry(rc.Service, node), func() error { return nil }, nil
	}
}

func newBalancer(rc config.RegistryConfig) loadbalance.Balancer {
	if rc.Balancer != "consistent_hash" {
		return loadbalance.New(rc.Balancer)
	}
	key := rc.HashKey
	if key == "" {
		key, _ = os.Hostname()
	}
	return &loadbalance.Keyed{Ring: loadbalance.NewConsistentHashBalancer(0), Key: key}
}

func startDevWorker(mem *broker.Memory, cfg config.Config, logger *zap.Logger) (*server.Server, error) {
	svr := server.NewServer(mem.Dial(), logger.Named("worker"))
	if err := svr.Register(auth.NewService(credstore.NewMemoryStore(), logger)); err != nil {
		return nil, err
	}
	if err := svr.Start(cfg.Broker.IntakeQueue); err != nil {
		return nil, err
	}
	return svr, nil
}
