package dbrb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// directoryKeyPrefix namespaces this package's DHT records away from the
// host application's own key space.
const directoryKeyPrefix = "/dbrb-directory/"

// Discovery resolves ProcessIds absent from a ProcessDirectory's static
// population by publishing and fetching records from a Kademlia DHT,
// scoped under its own key prefix so its records never collide with the
// host application's own DHT keys.
type Discovery struct {
	host      host.Host
	dht       *dht.IpfsDHT
	directory *ProcessDirectory

	cancel context.CancelFunc
}

// StartDiscovery initialises a DHT rooted at h.
func StartDiscovery(ctx context.Context, h host.Host, directory *ProcessDirectory) (*Discovery, error) {
	ctx, cancel := context.WithCancel(ctx)

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.ProtocolPrefix("/dbrb"))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		dbrbLogger().Warnw("dht bootstrap failed, continuing with static bootstrap set only", "error", err)
	}

	return &Discovery{host: h, dht: kadDHT, directory: directory, cancel: cancel}, nil
}

// Stop tears down the underlying DHT.
func (d *Discovery) Stop() {
	d.cancel()
	if err := d.dht.Close(); err != nil {
		dbrbLogger().Warnw("error closing discovery dht", "error", err)
	}
}

// PublishSelf records self's current libp2p address under its ProcessId so
// that other processes resolving self through Resolve find an up-to-date
// address. Call again whenever the host's observed addresses change.
func (d *Discovery) PublishSelf(ctx context.Context, self ProcessId) error {
	info := peer.AddrInfo{ID: d.host.ID(), Addrs: d.host.Addrs()}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("dbrb: marshal self address record: %w", err)
	}
	return d.dht.PutValue(ctx, directoryKey(self), raw)
}

// Resolve fetches id's published address record from the DHT and stores it
// in the directory, returning the resolved address. Intended to be called
// lazily on a ProcessDirectory.Lookup miss, not eagerly for every member.
func (d *Discovery) Resolve(ctx context.Context, id ProcessId) (peer.AddrInfo, error) {
	raw, err := d.dht.GetValue(ctx, directoryKey(id))
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("dbrb: resolve process address: %w", err)
	}
	var info peer.AddrInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return peer.AddrInfo{}, fmt.Errorf("dbrb: decode resolved address record: %w", err)
	}
	d.directory.Set(id, info)
	return info, nil
}

// RepublishLoop periodically republishes self's address record until ctx
// is cancelled, since DHT records expire and providers must refresh them.
func (d *Discovery) RepublishLoop(ctx context.Context, self ProcessId, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.PublishSelf(ctx, self); err != nil {
				dbrbLogger().Warnw("failed to republish directory record", "error", err)
			}
		}
	}
}

func directoryKey(id ProcessId) string {
	return directoryKeyPrefix + id.String()
}
