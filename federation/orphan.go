package federation

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/tenzik-dev/tenzik-core/protocol"
)

// defaultOrphanCapacity bounds how many parent-less events a node will
// hold onto waiting for their parents to arrive. This is bounded-effort
// backfill, not a delivery guarantee: an event evicted before its parent
// shows up is dropped silently and only recovered if a later full sync
// happens to include it.
const defaultOrphanCapacity = 256

// orphanBuffer holds events whose parents have not yet been observed,
// keyed by the missing parent ID so that resolving one parent can replay
// every event that was waiting on it.
type orphanBuffer struct {
	cache *lru.Cache
}

func newOrphanBuffer(capacity int) *orphanBuffer {
	if capacity <= 0 {
		capacity = defaultOrphanCapacity
	}
	cache, _ := lru.New(capacity)
	return &orphanBuffer{cache: cache}
}

// add buffers ev under missingParent. An event with several missing parents
// is held under one of them at a time: when that parent resolves and the
// event is re-ingested, it is buffered again under the next one.
func (o *orphanBuffer) add(missingParent string, ev *protocol.Event) {
	existing, ok := o.cache.Get(missingParent)
	var list []*protocol.Event
	if ok {
		list = existing.([]*protocol.Event)
	}
	list = append(list, ev)
	o.cache.Add(missingParent, list)
}

// resolve returns and removes every event that was waiting on parentID.
func (o *orphanBuffer) resolve(parentID string) []*protocol.Event {
	existing, ok := o.cache.Get(parentID)
	if !ok {
		return nil
	}
	o.cache.Remove(parentID)
	return existing.([]*protocol.Event)
}
