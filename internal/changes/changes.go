// Package changes implements Changes (§4.7): a durable append-only log
// of tagged configuration mutations. push writes and fsyncs before
// returning (for session-originated operations that need an immediate
// crash-durable effect); push_deferred instead buffers the change in
// memory, keeping its sequence slot, and only reaches the db — all
// batched entries in one Update, one fsync — when FlushDeferred runs
// (Pop calls it before draining, so the admin UI's keystrokes land
// durably on the applier's next poll without costing one fsync each).
// A single applier side drains in push order via Pop. Grounded on the
// teacher's volume
// package's monotonic-version/durable-record discipline, generalized
// from "one versioned metadata blob" to "an ordered queue of small
// tagged records" and backed by the same embedded KV (buntdb) that
// internal/store already uses, rather than a bespoke WAL file format.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package changes

import (
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/simqio/simq/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind tags the variant a Change carries (§3).
type Kind int

const (
	AddGroup Kind = iota
	UpdateGroupPassword
	RemoveGroup
	AddChannel
	UpdateChannelLimits
	RemoveChannel
	AddConsumer
	UpdateConsumerPassword
	RemoveConsumer
	AddProducer
	UpdateProducerPassword
	RemoveProducer
	UpdateMasterPassword
	UpdatePort
	UpdateCountThreads
)

// Initiator identifies who originated a Change (§3).
type Initiator int

const (
	InitiatorRoot Initiator = iota
	InitiatorGroup
	InitiatorConsumer
	InitiatorProducer
)

// Change is a single tagged configuration mutation, durable once Push
// has returned.
type Change struct {
	Tag       string    `json:"tag"` // correlation tag, a short id for log cross-referencing
	Kind      Kind      `json:"kind"`
	Initiator Initiator `json:"initiator"`
	Identity  string    `json:"identity"` // initiator's own login/group name, if any
	IP        string    `json:"ip"`

	Group   string              `json:"group,omitempty"`
	Channel string              `json:"channel,omitempty"`
	Login   string              `json:"login,omitempty"`
	Digest  store.Digest        `json:"digest,omitempty"`
	Limits  store.ChannelLimits `json:"limits,omitempty"`
	Port    uint16              `json:"port,omitempty"`
	Count   uint16              `json:"count,omitempty"`
}

// Changes is the durable append-only journal. Entries are kept in a
// buntdb keyspace distinct from internal/store's, ordered by a
// monotonic sequence number so Pop drains in push order.
type Changes struct {
	db *buntdb.DB

	mu   sync.Mutex
	next uint64

	pendingMu sync.Mutex
	pending   []seqChange
}

// seqChange pairs a Change with the sequence number it was assigned at
// push_deferred time, so FIFO order survives batching into a later Update.
type seqChange struct {
	seq uint64
	ch  Change
}

// Open opens (creating if necessary) the journal at path. SyncPolicy is
// Always: buntdb fsyncs every Update, which is what gives Push its
// flush-on-push durability guarantee (§4.7) — push_deferred rides the
// same durability floor but batches several enqueues inside one Update
// so the cost amortizes instead of compounding per keystroke.
func Open(path string) (*Changes, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "changes: open db")
	}
	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "changes: configure sync policy")
	}
	c := &Changes{db: db}
	if err := c.loadNext(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Changes) Close() error { return c.db.Close() }

// seqWidth is wide enough that lexicographic and numeric key order
// agree, so Ascend("", ...) drains in push order with no secondary sort.
const seqWidth = 20

func seqKey(seq uint64) string {
	s := strconv.FormatUint(seq, 10)
	for len(s) < seqWidth {
		s = "0" + s
	}
	return s
}

func (c *Changes) loadNext() error {
	var max uint64
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			if n, err := strconv.ParseUint(key, 10, 64); err == nil && n >= max {
				max = n + 1
			}
			return true
		})
	})
	if err != nil {
		return errors.Wrap(err, "changes: scan")
	}
	c.next = max
	return nil
}

func (c *Changes) nextSeq() uint64 {
	c.mu.Lock()
	seq := c.next
	c.next++
	c.mu.Unlock()
	return seq
}

// Push enqueues change durably: intended for session-originated
// mutations that need an immediate durable effect. The write lands in
// its own Update, which fsyncs under SyncPolicy: Always.
func (c *Changes) Push(ch Change) error {
	if ch.Tag == "" {
		ch.Tag, _ = shortid.Generate()
	}
	seq := c.nextSeq()
	buf, err := json.Marshal(&ch)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(seqKey(seq), string(buf), nil)
		return err
	})
}

// PushDeferred queues change in memory without touching the db,
// keeping its place in push order via a pre-assigned sequence number.
// Used by the admin UI so a burst of keystrokes doesn't cost one fsync
// each; the batch lands durably, in one Update, the next time
// FlushDeferred runs.
func (c *Changes) PushDeferred(ch Change) error {
	if ch.Tag == "" {
		ch.Tag, _ = shortid.Generate()
	}
	seq := c.nextSeq()
	c.pendingMu.Lock()
	c.pending = append(c.pending, seqChange{seq: seq, ch: ch})
	c.pendingMu.Unlock()
	return nil
}

// FlushDeferred durably writes every batched push_deferred entry in a
// single Update transaction, amortizing one fsync over the whole batch.
// Pop calls this before draining so the applier never misses a
// still-pending deferred entry.
func (c *Changes) FlushDeferred() error {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		for i := range batch {
			buf, err := json.Marshal(&batch[i].ch)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(seqKey(batch[i].seq), string(buf), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pop dequeues the oldest unapplied Change, or ok=false if the journal
// is empty. The applier (internal/boot) calls this in a loop.
func (c *Changes) Pop() (ch Change, ok bool, err error) {
	if err := c.FlushDeferred(); err != nil {
		return Change{}, false, err
	}
	var foundKey string
	err = c.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, val string) bool {
			foundKey = key
			return false // first key in ascending order = oldest
		})
	})
	if err != nil || foundKey == "" {
		return Change{}, false, err
	}
	var raw string
	err = c.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(foundKey)
		raw = v
		return err
	})
	if err != nil {
		return Change{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return Change{}, false, err
	}
	if err := c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(foundKey)
		return err
	}); err != nil {
		return Change{}, false, err
	}
	return ch, true, nil
}
