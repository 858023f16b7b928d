package dbrb

// Router picks between the flat and sharded broadcast engines for a
// single process, so the application only ever talks to one entry
// point regardless of how large the current view has grown. The flat
// engine handles reconfiguration unconditionally — sharding only ever
// applies to payload broadcast/delivery, never to membership changes.
type Router struct {
	flat    *Engine
	sharded *ShardEngine

	shardSize int
}

// NewRouter wires a flat engine (always present, owns membership and
// reconfiguration) and an optional sharded engine together. shardSize
// mirrors DbrbTree.cpp's own fast path: 0 disables sharding entirely.
func NewRouter(flat *Engine, sharded *ShardEngine, shardSize int) *Router {
	return &Router{flat: flat, sharded: sharded, shardSize: shardSize}
}

// Flat returns the underlying flat engine, for membership/reconfiguration
// operations that always run there regardless of routing.
func (r *Router) Flat() *Engine { return r.flat }

// Broadcast routes payload to the flat engine when the current view fits
// within a single shard or sharding is disabled, and to the sharded
// engine otherwise.
func (r *Router) Broadcast(payload []byte) {
	view := r.flat.CurrentView()
	if r.shardSize == 0 || r.sharded == nil || view.Size() <= r.shardSize {
		r.flat.Broadcast(payload)
		return
	}
	r.sharded.Broadcast(payload, view, nil)
}

// ProcessMessage dispatches msg to whichever engine owns its PacketType.
func (r *Router) ProcessMessage(msg Message) {
	switch msg.Type() {
	case PacketShardPrepare, PacketShardAcknowledged, PacketShardCommit, PacketShardDeliver:
		if r.sharded != nil {
			r.sharded.ProcessMessage(msg)
		}
	default:
		r.flat.ProcessMessage(msg)
	}
}

// InstallView propagates a newly installed view to both engines. The
// sharded engine discards its in-flight broadcast state; the flat engine
// keeps its own.
func (r *Router) InstallView(v View) {
	r.flat.InstallView(v)
	if r.sharded != nil {
		r.sharded.InstallView(v)
	}
}
