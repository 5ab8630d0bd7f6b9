package main

import (
	"fmt"
	"mqauth/config"
	"mqauth/credstore"

	"go.uber.org/zap"
)

func openStore(cfg config.Config, logger *zap.Logger) (credstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Type {
	case "memory":
		logger.Warn("using the in-memory credential store; accounts are lost on exit")
		return credstore.NewMemoryStore(), noop, nil
	case "file":
		s, err := credstore.OpenFileStore(cfg.Store.File)
		return s, noop, err
	case "etcd":
		s, err := credstore.NewEtcdStore(cfg.StoreEndpoints(), cfg.Store.EtcdPrefix, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
}
