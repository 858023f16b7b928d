package dbrb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// engineFakeRouter wires a fixed set of flat Engines together in-process,
// dispatching Enqueue/Send calls directly to the recipient's
// ProcessMessage instead of going over a real network connection.
type engineFakeRouter struct {
	engines     map[ProcessId]*Engine
	mu          sync.Mutex
	corruptAcks ProcessId // sender whose AcknowledgedMessage signatures get flipped in flight
}

func (r *engineFakeRouter) transportFor(self ProcessId) *engineFakeTransport {
	return &engineFakeTransport{router: r, self: self}
}

type engineFakeTransport struct {
	router *engineFakeRouter
	self   ProcessId
}

func (t *engineFakeTransport) Enqueue(msg Message, recipients []ProcessId) {
	t.router.mu.Lock()
	if ack, ok := msg.(*AcknowledgedMessage); ok && ack.Sender == t.router.corruptAcks {
		ack.PayloadSignature[0] ^= 0xFF
	}
	t.router.mu.Unlock()

	for _, id := range recipients {
		if engine, ok := t.router.engines[id]; ok {
			engine.ProcessMessage(msg)
		}
	}
}

func (t *engineFakeTransport) Send(msg Message, recipient ProcessId) {
	t.Enqueue(msg, []ProcessId{recipient})
}

func (t *engineFakeTransport) ClearQueue() {}

// newFlatNetwork builds n flat Engines sharing a fixed installed view,
// wired together through an engineFakeRouter.
func newFlatNetwork(t *testing.T, n int) ([]ProcessId, map[ProcessId]*Engine, *engineFakeRouter) {
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
	router := &engineFakeRouter{engines: make(map[ProcessId]*Engine, n)}

	for _, id := range ids {
		fetcher := &fixedViewFetcher{view: view}
		engine := NewEngine(id, sigs[id], router.transportFor(id), fetcher)
		engine.InstallView(view)
		router.engines[id] = engine
	}

	return ids, router.engines, router
}

// TestEngineThreeProcessBroadcastDeliversOnce covers a three-process view
// broadcasting a single payload: every member, including the broadcaster,
// must deliver exactly once.
func TestEngineThreeProcessBroadcastDeliversOnce(t *testing.T) {
	ids, engines, _ := newFlatNetwork(t, 3)

	var mu sync.Mutex
	deliveries := make(map[ProcessId]int, len(ids))
	var wg sync.WaitGroup
	wg.Add(len(ids))
	done := make(map[ProcessId]bool, len(ids))

	for _, id := range ids {
		id := id
		engines[id].SetDeliverCallback(func(payload []byte) {
			mu.Lock()
			deliveries[id]++
			if !done[id] {
				done[id] = true
				wg.Done()
			}
			mu.Unlock()
		})
	}

	broadcaster := ids[0]
	engines[broadcaster].Broadcast([]byte("three process payload"))

	waitOrTimeout(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.Equal(t, 1, deliveries[id], "process %s delivered %d times, want exactly 1", id.String(), deliveries[id])
	}
}

// TestEngineByzantineAcknowledgerExcludedFromCertificate covers a
// four-process view where one acknowledger's signature does not verify:
// quorum is still reached via the three honest acknowledgers (including
// the broadcaster's own self-acknowledgement), and the resulting
// certificate never contains the Byzantine signer.
func TestEngineByzantineAcknowledgerExcludedFromCertificate(t *testing.T) {
	ids, engines, router := newFlatNetwork(t, 4)

	broadcaster := ids[0]
	byzantine := ids[2]
	router.corruptAcks = byzantine

	var wg sync.WaitGroup
	wg.Add(1)
	var once sync.Once
	engines[broadcaster].SetDeliverCallback(func(payload []byte) {
		once.Do(wg.Done)
	})

	payload := []byte("byzantine ack payload")
	engines[broadcaster].Broadcast(payload)

	waitOrTimeout(t, &wg, 5*time.Second)

	view := engines[broadcaster].CurrentView()
	hash := PayloadHash(payload, view)

	var cert Certificate
	engines[broadcaster].strand.PostAndWait(func() {
		bd, ok := engines[broadcaster].broadcasts[hash]
		require.True(t, ok)
		cert = bd.Certificate
	})

	require.NotNil(t, cert)
	require.Len(t, cert, view.QuorumSize())
	_, hasByzantine := cert[byzantine]
	require.False(t, hasByzantine, "certificate must not contain the Byzantine signer's signature")
}

// TestEngineJoinUnderLoadConverges covers a process joining an already
// installed three-process view: once the Reconfig/Propose/Converged/
// Install/StateUpdate cascade completes, every process (including the
// joiner) has the new four-member view installed.
func TestEngineJoinUnderLoadConverges(t *testing.T) {
	ids, engines, _ := newFlatNetwork(t, 3)
	originalView := engines[ids[0]].CurrentView()

	joinerKP, err := GenerateKeyPair()
	require.NoError(t, err)
	joinerSig := NewSignatureService(joinerKP)
	joinerID := joinerKP.ProcessId()

	router := &engineFakeRouter{engines: make(map[ProcessId]*Engine, 4)}
	for _, id := range ids {
		router.engines[id] = engines[id]
	}

	fetcher := &fixedViewFetcher{view: originalView}
	joiner := NewEngine(joinerID, joinerSig, router.transportFor(joinerID), fetcher)
	joiner.InstallView(originalView)
	router.engines[joinerID] = joiner

	// Repoint every existing member's transport at the enlarged router so
	// the joiner receives ReconfigConfirm/Propose/Converged/Install too.
	for _, id := range ids {
		engines[id].strand.PostAndWait(func() {
			engines[id].transport = router.transportFor(id)
		})
	}

	allIDs := append(append([]ProcessId{}, ids...), joinerID)
	var wg sync.WaitGroup
	wg.Add(len(allIDs))
	var mu sync.Mutex
	installed := make(map[ProcessId]bool, len(allIDs))
	for _, id := range allIDs {
		id := id
		router.engines[id].SetViewInstalledHook(func(v View) {
			mu.Lock()
			if !installed[id] && v.Size() == 4 {
				installed[id] = true
				wg.Done()
			}
			mu.Unlock()
		})
	}

	joiner.strand.PostAndWait(func() {
		joiner.reconfig.requestChange(joinerID, Join, originalView)
	})

	waitOrTimeout(t, &wg, 5*time.Second)

	for _, id := range allIDs {
		v := router.engines[id].CurrentView()
		require.Equal(t, 4, v.Size())
		require.True(t, v.IsMember(joinerID), "process %s missing joiner from its installed view", id.String())
	}
}

// TestEngineLeaveTransitionsToLeft covers a process requesting its own
// departure from an installed four-process view: once the Reconfig
// cascade completes, the remaining three processes install the reduced
// view and the leaver's own membership state becomes Left.
func TestEngineLeaveTransitionsToLeft(t *testing.T) {
	ids, engines, _ := newFlatNetwork(t, 4)
	leaver := ids[1]
	remaining := append(append([]ProcessId{}, ids[:1]...), ids[2:]...)

	var wg sync.WaitGroup
	wg.Add(len(remaining))
	var mu sync.Mutex
	installed := make(map[ProcessId]bool, len(remaining))
	for _, id := range remaining {
		id := id
		engines[id].SetViewInstalledHook(func(v View) {
			mu.Lock()
			if !installed[id] && v.Size() == 3 {
				installed[id] = true
				wg.Done()
			}
			mu.Unlock()
		})
	}

	engines[leaver].Leave()

	waitOrTimeout(t, &wg, 5*time.Second)

	for _, id := range remaining {
		v := engines[id].CurrentView()
		require.Equal(t, 3, v.Size())
		require.False(t, v.IsMember(leaver), "process %s still lists the departed leaver", id.String())
	}

	require.Eventually(t, func() bool {
		var state MembershipState
		engines[leaver].strand.PostAndWait(func() { state = engines[leaver].membershipState })
		return state == Left
	}, 5*time.Second, 20*time.Millisecond, "leaver never transitioned to Left")
}
