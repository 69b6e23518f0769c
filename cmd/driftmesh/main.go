package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sudo-Ivan/driftmesh-go/internal/config"
	"github.com/Sudo-Ivan/driftmesh-go/internal/store"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/delivery"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/dtn"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/routing"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/storage"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/transport"
)

const (
	REDIAL_PERIOD    = 30 // Seconds between redial passes over the address book
	SHUTDOWN_TIMEOUT = 5  // Seconds to wait for the metrics server to drain
)

var (
	configPath = flag.String("config", "", "Config file path (default ~/.driftmesh/config.toml)")
	debugLevel = flag.Int("debug", 0, "Debug level override (1-7, 0 uses the config value)")
	bindAddr   = flag.String("bind", "", "Listen address override")
)

// Node bundles the transport, delivery service and storage backend behind
// one start/stop pair.
type Node struct {
	cfg  *config.Config
	self identity.Key
	tr   *transport.TCPTransport[identity.Key]
	svc  *delivery.Service[identity.Key]

	peers       []identity.Key
	metricsSrv  *http.Server
	closeStores []func() error
}

func NewNode(cfg *config.Config) (*Node, error) {
	keyPath, err := cfg.KeyPath()
	if err != nil {
		return nil, err
	}
	self, err := loadIdentity(keyPath)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewTCPTransport(self, cfg.Node.BindAddr, identity.DecodeKey)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, self: self, tr: tr}

	for name, peer := range cfg.Peers {
		key, err := identity.ParseKey(peer.Key)
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Skipping address book entry", "peer", name, "error", err)
			continue
		}
		if key == self {
			continue
		}
		tr.SetPeerAddress(key, peer.Addr)
		n.peers = append(n.peers, key)
	}

	packets, pending, closers, err := openStores(cfg)
	if err != nil {
		tr.Close()
		return nil, err
	}
	n.closeStores = closers

	strategy, err := dtn.ParseStrategy(cfg.DTN.Strategy)
	if err != nil {
		n.Stop()
		return nil, err
	}
	selector := dtn.DefaultSelector[identity.Key]()
	selector.SetDefault(strategy)

	ageCfg := dtn.DefaultAgeConfig()
	ageCfg.DefaultLifetime = cfg.Lifetime()

	table := routing.NewTable(identity.DecodeKey).WithStaleTimeout(cfg.StaleTimeout())

	svc := delivery.New(identity.DecodeKey, tr.View(), tr).
		WithTable(table).
		WithPacketStore(packets).
		WithPendingStore(pending).
		WithSelector(selector).
		WithAgeConfig(ageCfg).
		WithMaxPayload(cfg.Node.MaxPayload).
		WithSweepInterval(cfg.SweepInterval()).
		WithBackpropTimeout(cfg.BackpropTimeout()).
		WithDedupSize(cfg.Routing.DedupCacheSize)

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		svc.WithMetrics(delivery.NewMetrics(reg)).
			WithRoutingMetrics(routing.NewMetrics(reg))
		n.metricsSrv = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
	}

	svc.SetPacketCallback(func(p *packet.Packet[identity.Key]) {
		debug.Log(debug.DEBUG_INFO, "Packet delivered",
			"id", p.ID.String(), "source", p.Source.ShortString(), "bytes", len(p.Payload.Data))
	})
	svc.SetConfirmationCallback(func(c *packet.Confirmation[identity.Key]) {
		debug.Log(debug.DEBUG_INFO, "Delivery confirmed",
			"id", c.ID.String(), "delivered_to", c.DeliveredTo.ShortString())
	})

	n.svc = svc
	return n, nil
}

func (n *Node) Start(ctx context.Context) error {
	if err := n.svc.Start(ctx); err != nil {
		return err
	}
	debug.Log(debug.DEBUG_INFO, "Node running",
		"self", n.self.String(), "bind", n.cfg.Node.BindAddr, "peers", len(n.peers))

	if n.metricsSrv != nil {
		go func() {
			debug.Log(debug.DEBUG_INFO, "Metrics listening", "addr", n.metricsSrv.Addr)
			if err := n.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				debug.Log(debug.DEBUG_ERROR, "Metrics server failed", "error", err)
			}
		}()
	}

	go n.dialLoop(ctx)
	return nil
}

func (n *Node) Stop() error {
	var firstErr error

	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*SHUTDOWN_TIMEOUT)
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if n.svc != nil {
		if err := n.svc.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.tr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, closeStore := range n.closeStores {
		if err := closeStore(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dialLoop keeps address book links up, redialing dropped peers until the
// context ends.
func (n *Node) dialLoop(ctx context.Context) {
	n.dialPeers(ctx)

	ticker := time.NewTicker(time.Second * REDIAL_PERIOD)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.dialPeers(ctx)
		}
	}
}

func (n *Node) dialPeers(ctx context.Context) {
	for _, peer := range n.peers {
		if err := n.tr.EnsureConnected(ctx, peer); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Peer unreachable", "peer", peer.ShortString(), "error", err)
		}
	}
}

func openStores(cfg *config.Config) (storage.PacketStore[identity.Key], storage.PendingStore[identity.Key], []func() error, error) {
	quota := storage.NewQuotaManager(cfg.Storage.MaxPendingPerPeer, cfg.Storage.MaxTotalPending)

	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryPacketStore[identity.Key](),
			storage.NewMemoryPendingStore[identity.Key](quota), nil, nil

	case "badger":
		path, err := cfg.StoragePath()
		if err != nil {
			return nil, nil, nil, err
		}
		db, err := store.OpenBadger(path, identity.DecodeKey, quota)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, []func() error{db.Close}, nil

	case "spool":
		dir, err := cfg.StoragePath()
		if err != nil {
			return nil, nil, nil, err
		}
		spool, err := store.OpenSpool(dir, identity.DecodeKey)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() error { spool.Close(); return nil }
		return spool, storage.NewMemoryPendingStore[identity.Key](quota), []func() error{closer}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// loadIdentity reads the node's ed25519 seed, generating and saving one on
// first run.
func loadIdentity(path string) (identity.Key, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return identity.Key{}, fmt.Errorf("identity file %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return identity.FromPublicKey(priv.Public().(ed25519.PublicKey)), nil
	}
	if !os.IsNotExist(err) {
		return identity.Key{}, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return identity.Key{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return identity.Key{}, err
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return identity.Key{}, err
	}
	debug.Log(debug.DEBUG_INFO, "Generated node identity", "path", path)
	return identity.FromPublicKey(pub), nil
}

func main() {
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
	} else {
		cfg, err = config.InitConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *debugLevel > 0 {
		cfg.Node.LogLevel = *debugLevel
	}
	if *bindAddr != "" {
		cfg.Node.BindAddr = *bindAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	debug.SetDebugLevel(cfg.Node.LogLevel)
	debug.Init()
	defer debug.Sync()

	node, err := NewNode(cfg)
	if err != nil {
		log.Fatalf("Failed to build node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	debug.Log(debug.DEBUG_INFO, "Shutting down")
	cancel()
	if err := node.Stop(); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Shutdown error", "error", err)
	}
}
