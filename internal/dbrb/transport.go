package dbrb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID is the libp2p stream protocol this package's transport speaks.
const ProtocolID = protocol.ID("/dbrb/1.0.0")

// errAlreadyConnected marks an outbound attempt that raced an in-flight
// dial to the same peer; the entry is kept in the outstanding set and
// retried on the transport's next cycle rather than treated as a hard
// failure.
var errAlreadyConnected = errors.New("dbrb: already connecting to peer")

// ProcessDirectory resolves a ProcessId to the libp2p peer identity it is
// currently reachable at. Population (via Set, as AddDbrbProcess
// transactions are observed or peers are discovered) happens outside this
// package.
type ProcessDirectory struct {
	mu   sync.RWMutex
	info map[ProcessId]peer.AddrInfo
}

// NewProcessDirectory returns an empty directory.
func NewProcessDirectory() *ProcessDirectory {
	return &ProcessDirectory{info: make(map[ProcessId]peer.AddrInfo)}
}

// Set records (or replaces) id's known address.
func (d *ProcessDirectory) Set(id ProcessId, addr peer.AddrInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info[id] = addr
}

// Lookup returns id's known address, if any.
func (d *ProcessDirectory) Lookup(id ProcessId) (peer.AddrInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.info[id]
	return addr, ok
}

type outboundEntry struct {
	msg        Message
	recipients []ProcessId
}

// Transport is the libp2p-backed MessageTransport: a single worker
// goroutine drains a FIFO outbound queue, opening one stream per
// recipient per message and falling back to the outstanding set on a
// transient dial race. Inbound streams are read on their own goroutine
// and handed to onMessage, which the engine uses to post decoded
// messages onto its strand.
type Transport struct {
	host      host.Host
	directory *ProcessDirectory
	self      ProcessId

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []outboundEntry
	outstanding []outboundEntry
	stopped     bool

	onMessage func(Message)
}

// NewTransport wires up a Transport over h, resolving recipients through
// directory. onMessage is called for every successfully decoded inbound
// message and for self-addressed sends, which short-circuit the socket
// entirely.
func NewTransport(h host.Host, directory *ProcessDirectory, self ProcessId, onMessage func(Message)) *Transport {
	t := &Transport{
		host:      h,
		directory: directory,
		self:      self,
		onMessage: onMessage,
	}
	t.cond = sync.NewCond(&t.mu)
	h.SetStreamHandler(ProtocolID, t.handleStream)
	go t.run()
	return t
}

// Enqueue implements MessageTransport.
func (t *Transport) Enqueue(msg Message, recipients []ProcessId) {
	t.mu.Lock()
	t.queue = append(t.queue, outboundEntry{msg: msg, recipients: recipients})
	t.cond.Signal()
	t.mu.Unlock()
}

// Send implements MessageTransport: a single-recipient, non-queued send.
func (t *Transport) Send(msg Message, recipient ProcessId) {
	t.Enqueue(msg, []ProcessId{recipient})
}

// ClearQueue implements MessageTransport.
func (t *Transport) ClearQueue() {
	t.mu.Lock()
	t.queue = nil
	t.outstanding = nil
	t.mu.Unlock()
}

// Stop shuts down the outbound worker.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Transport) run() {
	retry := time.NewTicker(2 * time.Second)
	defer retry.Stop()

	go func() {
		for range retry.C {
			t.mu.Lock()
			if t.stopped {
				t.mu.Unlock()
				return
			}
			pending := t.outstanding
			t.outstanding = nil
			t.mu.Unlock()
			for _, entry := range pending {
				t.dispatch(entry)
			}
		}
	}()

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if t.stopped {
			t.mu.Unlock()
			return
		}
		entry := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.dispatch(entry)
	}
}

func (t *Transport) dispatch(entry outboundEntry) {
	var retryRecipients []ProcessId
	for _, recipient := range entry.recipients {
		if recipient == t.self {
			if t.onMessage != nil {
				t.onMessage(entry.msg)
			}
			continue
		}
		if err := t.sendTo(recipient, entry.msg); err != nil {
			if errors.Is(err, errAlreadyConnected) {
				retryRecipients = append(retryRecipients, recipient)
				continue
			}
			transportLogger().Warnw("dropping outbound message after send failure",
				"recipient", recipient.String(), "type", entry.msg.Type().String(), "error", err)
		}
	}
	if len(retryRecipients) > 0 {
		t.mu.Lock()
		t.outstanding = append(t.outstanding, outboundEntry{msg: entry.msg, recipients: retryRecipients})
		t.mu.Unlock()
	}
}

func (t *Transport) sendTo(recipient ProcessId, msg Message) error {
	addr, ok := t.directory.Lookup(recipient)
	if !ok {
		return errors.New("dbrb: no known address for recipient")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if t.host.Network().Connectedness(addr.ID) == network.CannotConnect {
		return errAlreadyConnected
	}

	stream, err := t.host.NewStream(ctx, addr.ID, ProtocolID)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errAlreadyConnected
		}
		return err
	}
	defer stream.Close()

	return NewEncoder(stream).Encode(msg)
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	dec := NewDecoder(s)
	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}
