package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/config"
	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/seed"
	"github.com/andydunstall/mesh/pkg/transport"
	"github.com/andydunstall/mesh/server/admin"
	nodeconfig "github.com/andydunstall/mesh/server/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a mesh node",
		Long: `Start a mesh node.

The node gossips with its peers to converge a shared value, such as a
counter or set. Updates are signed by the node that made them so peers can
reject forged or tampered state.

Use '--seed.addrs' to configure the addresses of existing nodes to join
through, or '--seed.etcd-endpoints' to discover other nodes from etcd. If no
seeds are reachable and the node knows no peers it starts a new mesh.

Examples:
  # Start the first node of a new mesh.
  mesh node

  # Start a node with a persistent identity and join through two seeds.
  mesh node --node.id-path /var/lib/mesh/id.key \
    --seed.addrs 10.26.104.14:7946,10.26.104.75:7946

  # Start a node in region 'eu-west-1' and discover seeds from etcd.
  mesh node --node.region eu-west-1 --seed.etcd-endpoints 10.26.104.5:2379

  # Load the configuration from YAML, expanding environment variables.
  mesh node --config.path mesh.yaml --config.expand-env
`,
	}

	conf := nodeconfig.Default()

	var loadConf config.LoadConfig
	loadConf.RegisterFlags(cmd.Flags())

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := loadConf.Load(conf); err != nil {
			fmt.Printf("load config: %s\n", err.Error())
			os.Exit(1)
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Mesh.Gossip.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Mesh.Gossip.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Mesh.Gossip.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *nodeconfig.Config, logger log.Logger) error {
	id, err := loadIdentity(conf.Node.IDPath)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	typ, err := conf.Node.PayloadType()
	if err != nil {
		return err
	}

	logger.Info(
		"starting mesh node",
		zap.String("id", id.ID()),
		zap.Any("conf", conf),
	)

	registry := prometheus.NewRegistry()

	gossipLn, err := net.ListenPacket("udp", conf.Mesh.Gossip.BindAddr)
	if err != nil {
		return fmt.Errorf("gossip listen: %s: %w", conf.Mesh.Gossip.BindAddr, err)
	}
	t := transport.NewUDP(
		gossipLn,
		conf.Mesh.Gossip.AdvertiseAddr,
		conf.Mesh.Gossip.MaxPacketSize,
		logger,
	)

	node, err := mesh.New(
		id,
		typ,
		t,
		conf.Mesh,
		mesh.WithLatticeSamples(latticeSamples(typ)...),
		mesh.WithLogger(logger),
	)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("node: %w", err)
	}
	node.Register(registry)

	seeds, closeSeeds, err := newSeeds(conf, node, logger)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("seeds: %w", err)
	}
	defer closeSeeds()

	tlsConfig, err := conf.Admin.TLS.Load()
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("admin tls: %w", err)
	}
	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(
		node,
		registry,
		conf.Admin,
		tlsConfig,
		logger,
	)

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Mesh node.
	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		// The node must be serving to receive join replies, so join runs
		// alongside the node rather than before it.
		go func() {
			if err := node.Join(nodeCtx, seeds); err != nil {
				if nodeCtx.Err() == nil {
					logger.Error("failed to join mesh", zap.Error(err))
					nodeCancel()
				}
				return
			}
			logger.Info(
				"joined mesh",
				zap.Int("peers", node.Directory().Len()),
			)
		}()

		if err := node.Run(nodeCtx); err != nil {
			return fmt.Errorf("node: %w", err)
		}
		if nodeCtx.Err() != nil && signalCtx.Err() == nil {
			return fmt.Errorf("node stopped")
		}
		return nil
	}, func(error) {
		nodeCancel()

		logger.Info("node shut down")
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// newSeeds returns the configured seed providers. If etcd is configured the
// node is registered in etcd so other nodes can discover it. The returned
// function deregisters the node.
func newSeeds(
	conf *nodeconfig.Config,
	node *mesh.Node,
	logger log.Logger,
) (seed.Provider, func(), error) {
	static, err := seed.NewStatic(conf.Seed.Addrs)
	if err != nil {
		return nil, nil, err
	}
	if len(conf.Seed.Etcd.Endpoints) == 0 {
		return static, func() {}, nil
	}

	etcd, err := seed.NewEtcd(conf.Seed.Etcd, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	registerCtx, registerCancel := context.WithTimeout(ctx, conf.Seed.Etcd.DialTimeout)
	defer registerCancel()
	if err := etcd.Register(registerCtx, seed.Seed{
		ID:   node.ID(),
		Addr: node.Addr(),
	}); err != nil {
		cancel()
		_ = etcd.Close()
		return nil, nil, err
	}

	return seed.Multi{static, etcd}, func() {
		cancel()
		if err := etcd.Close(); err != nil {
			logger.Warn("failed to close etcd", zap.Error(err))
		}
	}, nil
}

// latticeSamples returns sample payloads of the given type to check it merges
// correctly before joining the mesh.
func latticeSamples(typ crdt.Type) []crdt.Payload {
	now := time.Now()
	switch typ.(type) {
	case crdt.GCounterType:
		c := crdt.NewGCounter()
		return []crdt.Payload{
			c.Increment("a", 1),
			c.Increment("b", 2),
			c.Increment("a", 3),
		}
	case crdt.GSetType:
		s := crdt.NewGSet()
		return []crdt.Payload{
			s.Add("a"),
			s.Add("b", "c"),
		}
	case crdt.LWWMapType:
		m := crdt.NewLWWMap()
		return []crdt.Payload{
			m.Set("k", []byte("a"), now, "a"),
			m.Set("k", []byte("b"), now, "b"),
			m.Delete("k", now.Add(time.Second), "a"),
		}
	default:
		return nil
	}
}

func loadIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return identity.Generate()
	}
	return identity.LoadOrGenerate(path)
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
