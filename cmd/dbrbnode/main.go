package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cerera/internal/dbrb"
	"github.com/chzyer/readline"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// node bundles everything a running dbrb process needs to answer the
// interactive console: its router, its directory of known peers, and the
// config it was started with.
type node struct {
	cfg       dbrb.Config
	sig       *dbrb.SignatureService
	directory *dbrb.ProcessDirectory
	router    *dbrb.Router
	fetcher   *dbrb.StaticViewFetcher
	discovery *dbrb.Discovery
}

func newNode(ctx context.Context, cfg dbrb.Config) (*node, error) {
	kp, err := dbrb.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	sig := dbrb.NewSignatureService(kp)
	self := sig.ProcessId()

	listenAddr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultMuxers,
		libp2p.DefaultPeerstore,
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	directory := dbrb.NewProcessDirectory()
	fetcher := dbrb.NewStaticViewFetcher(cfg.DbrbBootstrapProcesses)

	// The transport needs an onMessage callback before the router it feeds
	// exists, and the router needs the transport to construct its engines;
	// routeBox breaks the cycle by deferring the indirection to a closure.
	var routeBox struct{ router *dbrb.Router }
	transport := dbrb.NewTransport(h, directory, self, func(msg dbrb.Message) {
		if routeBox.router != nil {
			routeBox.router.ProcessMessage(msg)
		}
	})

	flat := dbrb.NewEngine(self, sig, transport, fetcher)
	var sharded *dbrb.ShardEngine
	if cfg.DbrbShardSize > 0 {
		sharded = dbrb.NewShardEngine(self, sig, transport, fetcher, cfg.DbrbShardSize)
	}
	router := dbrb.NewRouter(flat, sharded, cfg.DbrbShardSize)
	routeBox.router = router

	flat.SetDeliverCallback(func(payload []byte) {
		fmt.Printf("\ndelivered: %s\n> ", string(payload))
	})
	if sharded != nil {
		sharded.SetDeliverCallback(func(payload []byte) {
			fmt.Printf("\ndelivered (sharded): %s\n> ", string(payload))
		})
	}

	for _, addrStr := range cfg.BootstrapPeers {
		addrInfo, err := peer.AddrInfoFromString(addrStr)
		if err != nil {
			log.Printf("skipping malformed bootstrap peer %q: %v", addrStr, err)
			continue
		}
		h.Peerstore().AddAddrs(addrInfo.ID, addrInfo.Addrs, peerstore.PermanentAddrTTL)
	}

	discovery, err := dbrb.StartDiscovery(ctx, h, directory)
	if err != nil {
		log.Printf("discovery disabled, address resolution limited to directly dialled peers: %v", err)
	} else {
		if err := discovery.PublishSelf(ctx, self); err != nil {
			log.Printf("failed to publish own address record: %v", err)
		}
		go discovery.RepublishLoop(ctx, self, cfg.DbrbRegistrationGracePeriod/2)
		for _, id := range cfg.DbrbBootstrapProcesses {
			if id == self {
				continue
			}
			if _, err := discovery.Resolve(ctx, id); err != nil {
				log.Printf("could not resolve bootstrap process %s yet: %v", id.String(), err)
			}
		}
	}

	return &node{cfg: cfg, sig: sig, directory: directory, router: router, fetcher: fetcher, discovery: discovery}, nil
}

func usage() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("  broadcast <text>   broadcast a text payload to the current view\n")
	b.WriteString("  view               print the current view's members\n")
	b.WriteString("  peers              explain how peers are looked up (lists no addresses)\n")
	b.WriteString("  leave              request this process's own removal from the view\n")
	b.WriteString("  help               print this message\n")
	b.WriteString("  exit               shut down\n")
	return b.String()
}

func main() {
	cfg, err := dbrb.LoadConfig("dbrb-config.json")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.IsDbrbProcess {
		fmt.Println("this node is configured with IsDbrbProcess=false; exiting")
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := newNode(ctx, cfg)
	if err != nil {
		log.Fatalf("start node: %v", err)
	}

	rl, err := readline.New("> ")
	if err != nil {
		log.Fatalf("start console: %v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "broadcast":
			if len(fields) < 2 {
				fmt.Println("usage: broadcast <text>")
				continue
			}
			n.router.Broadcast([]byte(strings.Join(fields[1:], " ")))
		case "view":
			view := n.router.Flat().CurrentView()
			for _, id := range view.Members() {
				fmt.Println(" ", id.String())
			}
		case "peers":
			fmt.Println("peer directory lookups are keyed by ProcessId; use 'view' to list current members")
		case "leave":
			n.router.Flat().Leave()
		case "shard-size":
			fmt.Println(strconv.Itoa(n.cfg.DbrbShardSize))
		case "help":
			fmt.Print(usage())
		case "exit":
			return
		default:
			fmt.Println("unknown command, use help to see available commands")
		}
	}

	<-ctx.Done()
}
