package federation

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tenzik-dev/tenzik-core/protocol"
)

// EventDAG is the durable, content-addressed event store backing one
// node's view of the federation. All mutation happens through one bbolt
// transaction per call, so every AddEvent either fully lands or fully
// fails — there is no partially-applied event.
type EventDAG struct {
	db *bolt.DB
}

// OpenEventDAG opens (creating if necessary) the bbolt database at path and
// ensures all five buckets exist.
func OpenEventDAG(ctx context.Context, path string) (*EventDAG, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, wrapError(ErrDatabase, "failed to open event dag", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, wrapError(ErrDatabase, "failed to initialize buckets", err)
	}
	return &EventDAG{db: db}, nil
}

// Close releases the underlying database file.
func (d *EventDAG) Close() error {
	return d.db.Close()
}

// validateEvent checks the structural invariants every event must satisfy
// before it is eligible for storage, independent of DAG context.
func validateEvent(e *protocol.Event) error {
	if len(e.ID) != 64 {
		return newError(ErrValidation, "event id must be a 64-character blake3 hex digest")
	}
	if len(e.Signature) != 128 {
		return newError(ErrValidation, "signature must be a 128-character ed25519 hex signature")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return wrapError(ErrValidation, "timestamp is not valid RFC3339", err)
	}
	return nil
}

// AddEvent validates and inserts e. Re-adding an event already present is a
// no-op that returns nil, making gossip re-delivery safe. Parents are
// required to already be present: an event whose parent is missing is
// rejected outright rather than buffered here (see orphanBuffer in
// orphan.go for that).
func (d *EventDAG) AddEvent(e *protocol.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		if events.Get([]byte(e.ID)) != nil {
			return nil
		}

		for _, parentID := range e.Parents {
			if events.Get([]byte(parentID)) == nil {
				return newError(ErrValidation, "parent event not found: "+parentID)
			}
		}

		sequences := tx.Bucket(sequencesBucket)
		current := readSequence(sequences, e.NodeID)
		if e.Sequence <= current {
			return newError(ErrValidation, "sequence number must increase monotonically per node")
		}
		if err := writeSequence(sequences, e.NodeID, e.Sequence); err != nil {
			return err
		}

		data, err := e.ToJSON()
		if err != nil {
			return wrapError(ErrSerialization, "failed to encode event", err)
		}
		if err := events.Put([]byte(e.ID), data); err != nil {
			return err
		}

		if err := updateRelationships(tx, e); err != nil {
			return err
		}
		return updateTips(tx, e)
	})
}

func readSequence(b *bolt.Bucket, nodeID string) uint64 {
	raw := b.Get([]byte(nodeID))
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func writeSequence(b *bolt.Bucket, nodeID string, seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return b.Put([]byte(nodeID), buf[:])
}

func updateRelationships(tx *bolt.Tx, e *protocol.Event) error {
	parents := tx.Bucket(parentsBucket)
	parentsJSON, err := marshalStrings(e.Parents)
	if err != nil {
		return err
	}
	if err := parents.Put([]byte(e.ID), parentsJSON); err != nil {
		return err
	}

	children := tx.Bucket(childrenBucket)
	for _, parentID := range e.Parents {
		existing, err := unmarshalStrings(children.Get([]byte(parentID)))
		if err != nil {
			return err
		}
		existing = append(existing, e.ID)
		data, err := marshalStrings(existing)
		if err != nil {
			return err
		}
		if err := children.Put([]byte(parentID), data); err != nil {
			return err
		}
	}
	return nil
}

func updateTips(tx *bolt.Tx, e *protocol.Event) error {
	tips := tx.Bucket(tipsBucket)
	for _, parentID := range e.Parents {
		if err := tips.Delete([]byte(parentID)); err != nil {
			return err
		}
	}
	return tips.Put([]byte(e.ID), []byte(e.Timestamp))
}

// GetEvent returns the stored event with the given ID, or nil if absent.
func (d *EventDAG) GetEvent(id string) (*protocol.Event, error) {
	var event *protocol.Event
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(eventsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		e, err := protocol.EventFromJSON(raw)
		if err != nil {
			return err
		}
		event = e
		return nil
	})
	if err != nil {
		return nil, wrapError(ErrDatabase, "failed to read event", err)
	}
	return event, nil
}

// HasEvent reports whether id is already stored.
func (d *EventDAG) HasEvent(id string) (bool, error) {
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(eventsBucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// GetTips returns every current tip event (events with no recorded
// children), sorted by timestamp descending — most recent first.
func (d *EventDAG) GetTips() ([]*protocol.Event, error) {
	var ids []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tipsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, wrapError(ErrDatabase, "failed to list tips", err)
	}

	events := make([]*protocol.Event, 0, len(ids))
	for _, id := range ids {
		e, err := d.GetEvent(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp > events[j].Timestamp
	})
	return events, nil
}

// GetEventsSince returns every event strictly after sinceID in
// (timestamp, id) ascending order. An empty sinceID returns the full
// ascending history. If sinceID is not found, the full history is
// returned, since there is no well-defined suffix to compute.
func (d *EventDAG) GetEventsSince(sinceID string) ([]*protocol.Event, error) {
	var all []*protocol.Event
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, v []byte) error {
			e, err := protocol.EventFromJSON(v)
			if err != nil {
				return err
			}
			all = append(all, e)
			return nil
		})
	})
	if err != nil {
		return nil, wrapError(ErrDatabase, "failed to scan events", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return all[i].ID < all[j].ID
	})

	if sinceID == "" {
		return all, nil
	}
	for i, e := range all {
		if e.ID == sinceID {
			return all[i+1:], nil
		}
	}
	return all, nil
}

// GetStats summarizes the current DAG.
func (d *EventDAG) GetStats() (protocol.DAGStats, error) {
	stats := protocol.DAGStats{}
	nodeSet := map[string]struct{}{}

	err := d.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		return events.ForEach(func(_, v []byte) error {
			e, err := protocol.EventFromJSON(v)
			if err != nil {
				return err
			}
			stats.TotalEvents++
			if e.IsReceipt() {
				stats.ReceiptCount++
			}
			nodeSet[e.NodeID] = struct{}{}
			if stats.EarliestTimestamp == "" || e.Timestamp < stats.EarliestTimestamp {
				stats.EarliestTimestamp = e.Timestamp
			}
			if stats.LatestTimestamp == "" || e.Timestamp > stats.LatestTimestamp {
				stats.LatestTimestamp = e.Timestamp
			}
			return nil
		})
	})
	if err != nil {
		return stats, wrapError(ErrDatabase, "failed to compute dag stats", err)
	}

	stats.NodeCount = len(nodeSet)

	tipErr := d.db.View(func(tx *bolt.Tx) error {
		stats.TipCount = tx.Bucket(tipsBucket).Stats().KeyN
		return nil
	})
	if tipErr != nil {
		return stats, wrapError(ErrDatabase, "failed to count tips", tipErr)
	}
	return stats, nil
}
