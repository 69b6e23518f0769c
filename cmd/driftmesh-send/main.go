package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/delivery"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/transport"
)

var (
	addr     = flag.String("addr", "", "Address of the node to dial (host:port)")
	peerKey  = flag.String("peer", "", "Base58 key of the node at -addr")
	destKey  = flag.String("dest", "", "Base58 key of the destination (defaults to -peer)")
	payload  = flag.String("payload", "", "Payload text (reads stdin when empty and -file is unset)")
	file     = flag.String("file", "", "Read the payload from a file")
	ttl      = flag.Int("ttl", 0, "Relay budget override (0 keeps the default)")
	priority = flag.String("priority", "normal", "low, normal, high or critical")
	timeout  = flag.Duration("timeout", 30*time.Second, "How long to wait for the delivery confirmation")
	logLevel = flag.Int("debug", debug.DEBUG_ERROR, "Debug level (1-7)")
)

func parsePriority(name string) (packet.Priority, error) {
	switch name {
	case "low":
		return packet.PriorityLow, nil
	case "normal", "":
		return packet.PriorityNormal, nil
	case "high":
		return packet.PriorityHigh, nil
	case "critical":
		return packet.PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// parseTTL validates the -ttl flag; 0 keeps the packet default.
func parseTTL(v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%d is outside 1-255", v)
	}
	return uint8(v), nil
}

func readPayload() ([]byte, error) {
	if *file != "" {
		return os.ReadFile(*file)
	}
	if *payload != "" {
		return []byte(*payload), nil
	}
	return io.ReadAll(os.Stdin)
}

// One-shot sender: joins the mesh under an ephemeral identity, hands a
// packet to the dialed node and waits for the delivery confirmation to
// propagate back.
func main() {
	flag.Parse()
	if *addr == "" || *peerKey == "" {
		log.Fatalf("Usage: driftmesh-send -addr host:port -peer <key> [-dest <key>] [-payload text]")
	}

	debug.SetDebugLevel(*logLevel)
	debug.Init()
	defer debug.Sync()

	peer, err := identity.ParseKey(*peerKey)
	if err != nil {
		log.Fatalf("Bad -peer key: %v", err)
	}
	dest := peer
	if *destKey != "" {
		if dest, err = identity.ParseKey(*destKey); err != nil {
			log.Fatalf("Bad -dest key: %v", err)
		}
	}
	prio, err := parsePriority(*priority)
	if err != nil {
		log.Fatalf("Bad -priority: %v", err)
	}
	ttlOverride, err := parseTTL(*ttl)
	if err != nil {
		log.Fatalf("Bad -ttl: %v", err)
	}
	data, err := readPayload()
	if err != nil {
		log.Fatalf("Failed to read payload: %v", err)
	}

	self, err := identity.RandomKey()
	if err != nil {
		log.Fatalf("Failed to generate identity: %v", err)
	}
	tr, err := transport.NewTCPTransport(self, "", identity.DecodeKey)
	if err != nil {
		log.Fatalf("Failed to build transport: %v", err)
	}
	defer tr.Close()

	svc := delivery.New(identity.DecodeKey, tr.View(), tr)
	confirmed := make(chan *packet.Confirmation[identity.Key], 4)
	svc.SetConfirmationCallback(func(c *packet.Confirmation[identity.Key]) {
		select {
		case confirmed <- c:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start delivery service: %v", err)
	}
	defer svc.Stop()

	tr.SetPeerAddress(peer, *addr)
	if err := tr.EnsureConnected(ctx, peer); err != nil {
		log.Fatalf("Failed to reach %s at %s: %v", peer.ShortString(), *addr, err)
	}

	var hints []identity.Key
	if dest != peer {
		hints = []identity.Key{peer}
	}
	p := packet.New(svc.NextID(), self, dest, packet.Payload{Data: data}, hints).WithPriority(prio)
	if ttlOverride > 0 {
		p.WithTTL(ttlOverride)
	}

	if err := svc.SendPacket(ctx, p); err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	debug.Log(debug.DEBUG_INFO, "Packet handed off",
		"id", p.ID.String(), "dest", dest.ShortString(), "bytes", len(data))

	for {
		select {
		case c := <-confirmed:
			if c.ID != p.ID {
				continue
			}
			fmt.Printf("delivered %s to %s over %d hop(s)\n", c.ID.String(), c.DeliveredTo.ShortString(), len(c.Path)-1)
			return
		case <-ctx.Done():
			log.Fatalf("No confirmation within %v; the packet may still be held upstream", *timeout)
		}
	}
}
