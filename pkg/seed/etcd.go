package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/log"
)

// Etcd discovers seeds registered under a key prefix in etcd.
//
// Each node registers itself under '<prefix><id>' with the value set to its
// advertised address, bound to a lease so the key is removed when the node
// stops refreshing it.
type Etcd struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration

	self    Seed
	leaseID clientv3.LeaseID

	logger log.Logger
}

func NewEtcd(conf EtcdConfig, logger log.Logger) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}
	return &Etcd{
		client: client,
		prefix: conf.Prefix,
		ttl:    conf.TTL,
		logger: logger.WithSubsystem("seed.etcd"),
	}, nil
}

// Register registers the local node and keeps its lease alive until the
// context is cancelled or Close is called.
func (e *Etcd) Register(ctx context.Context, self Seed) error {
	lease, err := e.client.Grant(ctx, int64(e.ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("etcd: grant: %w", err)
	}
	if _, err := e.client.Put(
		ctx, e.prefix+self.ID, self.Addr, clientv3.WithLease(lease.ID),
	); err != nil {
		return fmt.Errorf("etcd: put: %w", err)
	}

	keepAlive, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd: keep alive: %w", err)
	}
	go func() {
		// Drain responses until the lease expires or the context is
		// cancelled.
		for range keepAlive {
		}
		if ctx.Err() == nil {
			e.logger.Warn("lease keep alive stopped", zap.String("id", self.ID))
		}
	}()

	e.self = self
	e.leaseID = lease.ID

	e.logger.Info(
		"registered",
		zap.String("id", self.ID),
		zap.String("addr", self.Addr),
	)
	return nil
}

// Seeds returns every registered node except the local node.
func (e *Etcd) Seeds(ctx context.Context) ([]Seed, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: get: %w", err)
	}

	seeds := make([]Seed, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), e.prefix)
		if id == e.self.ID {
			continue
		}
		seed, err := Parse(id + "@" + string(kv.Value))
		if err != nil {
			e.logger.Warn("invalid seed", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// Close revokes the local node's lease and closes the client.
func (e *Etcd) Close() error {
	var errs error
	if e.leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if _, err := e.client.Revoke(ctx, e.leaseID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("etcd: revoke: %w", err))
		}
	}
	if err := e.client.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("etcd: close: %w", err))
	}
	return errs
}

var _ Provider = &Etcd{}
