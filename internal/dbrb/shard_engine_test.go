package dbrb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRouter wires a fixed set of ShardEngines together in-process,
// dispatching Enqueue/Send calls directly to the recipient's ProcessMessage
// instead of going over a real network connection.
type fakeRouter struct {
	engines map[ProcessId]*ShardEngine
}

func (r *fakeRouter) transportFor(self ProcessId) *fakeTransport {
	return &fakeTransport{router: r, self: self}
}

type fakeTransport struct {
	router *fakeRouter
	self   ProcessId
}

func (t *fakeTransport) Enqueue(msg Message, recipients []ProcessId) {
	for _, id := range recipients {
		if engine, ok := t.router.engines[id]; ok {
			engine.ProcessMessage(msg)
		}
	}
}

func (t *fakeTransport) Send(msg Message, recipient ProcessId) {
	t.Enqueue(msg, []ProcessId{recipient})
}

func (t *fakeTransport) ClearQueue() {}

// fixedViewFetcher hands out a single static view regardless of timestamp.
type fixedViewFetcher struct {
	view View
}

func (f *fixedViewFetcher) GetView(time.Time) View       { return f.view }
func (f *fixedViewFetcher) BootstrapView() View          { return f.view }
func (f *fixedViewFetcher) GetExpirationTime(ProcessId) (time.Time, bool) {
	return time.Time{}, false
}
func (f *fixedViewFetcher) GetBanPeriod(ProcessId) (time.Duration, bool) {
	return 0, false
}

// newShardedNetwork builds n fully-connected ShardEngines sharing a fixed
// view and the given shard size, wired together through a fakeRouter.
func newShardedNetwork(t *testing.T, n, shardSize int) ([]ProcessId, map[ProcessId]*ShardEngine, *fakeRouter) {
	t.Helper()

	ids := make([]ProcessId, n)
	sigs := make(map[ProcessId]*SignatureService, n)
	for i := 0; i < n; i++ {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)
		ids[i] = kp.ProcessId()
		sigs[ids[i]] = NewSignatureService(kp)
	}

	view := NewView(ids...)
	router := &fakeRouter{engines: make(map[ProcessId]*ShardEngine, n)}

	for _, id := range ids {
		fetcher := &fixedViewFetcher{view: view}
		engine := NewShardEngine(id, sigs[id], router.transportFor(id), fetcher, shardSize)
		engine.InstallView(view)
		router.engines[id] = engine
	}

	return ids, router.engines, router
}

func TestShardEngineBroadcastDeliversToEveryMember(t *testing.T) {
	ids, engines, _ := newShardedNetwork(t, 9, 4)

	var mu sync.Mutex
	delivered := make(map[ProcessId]bool, len(ids))
	var wg sync.WaitGroup
	wg.Add(len(ids))

	for _, id := range ids {
		id := id
		engines[id].SetDeliverCallback(func(payload []byte) {
			mu.Lock()
			if !delivered[id] {
				delivered[id] = true
				wg.Done()
			}
			mu.Unlock()
		})
	}

	broadcaster := ids[0]
	view := engines[broadcaster].CurrentView()
	engines[broadcaster].Broadcast([]byte("sharded payload"), view, nil)

	waitOrTimeout(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.True(t, delivered[id], "process %s never delivered", id.String())
	}
}

func TestShardEngineRejectsBroadcastOutsideView(t *testing.T) {
	ids, engines, _ := newShardedNetwork(t, 5, 4)

	foreign := NewView(append(append([]ProcessId{}, ids...), pid(200))...)
	engines[ids[0]].Broadcast([]byte("rejected"), foreign, nil)

	// The engine drops the broadcast on its strand; there is nothing to
	// assert on here beyond "it does not panic and no message escapes",
	// confirmed by the absence of any delivery in the other test.
	engines[ids[0]].strand.PostAndWait(func() {})
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for every expected callback")
	}
}
