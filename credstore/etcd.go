package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix is where credentials live unless configured otherwise.
const DefaultEtcdPrefix = "/mqauth/credentials/"

// EtcdStore keeps one key per email under a prefix. Uniqueness comes from a
// transaction that only puts the key if it has never been created, so two
// workers racing on the same REGISTER cannot both win.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	owned   bool // close client on Close
}

// NewEtcdStore dials etcd.
func NewEtcdStore(endpoints []string, prefix string, logger *zap.Logger) (*EtcdStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	s := NewEtcdStoreFromClient(c, prefix)
	s.owned = true
	return s, nil
}

// NewEtcdStoreFromClient shares an existing client, for example the one the
// broker registry uses.
func NewEtcdStoreFromClient(c *clientv3.Client, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{client: c, prefix: prefix, timeout: 3 * time.Second}
}

func (s *EtcdStore) key(email string) string {
	return s.prefix + email
}

func (s *EtcdStore) Create(ctx context.Context, cred Credential) error {
	val, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.key(cred.Email)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val))).
		Commit()
	if err != nil {
		return unavailable(fmt.Errorf("txn %s: %w", key, err))
	}
	if !resp.Succeeded {
		return ErrExists
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, email string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(email))
	if err != nil {
		return Credential{}, unavailable(fmt.Errorf("get %s: %w", s.key(email), err))
	}
	if len(resp.Kvs) == 0 {
		return Credential{}, ErrNotFound
	}
	var cred Credential
	if err := json.Unmarshal(resp.Kvs[0].Value, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode %s: %w", s.key(email), err)
	}
	return cred, nil
}

// Close closes the etcd client if this store dialled it.
func (s *EtcdStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
