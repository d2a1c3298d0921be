// Package queue implements QueueManager (§4.3): per-channel FIFO and broadcast state.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package queue

import (
	"path/filepath"
	"testing"

	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

func newTestManager(t *testing.T, limits store.ChannelLimits) (*QueueManager, string, string) {
	t.Helper()
	qm := New()
	if err := qm.AddGroup("g"); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	path := filepath.Join(t.TempDir(), "content")
	if err := qm.AddChannel("g", "c", path, limits); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	return qm, "g", "c"
}

func defaultLimits() store.ChannelLimits {
	return store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 4, MaxMessagesOnDisk: 4}
}

// FIFO order: queued messages are delivered in push order (§8 ordering rule).
func TestQueueFIFOOrder(t *testing.T) {
	qm, g, c := newTestManager(t, defaultLimits())
	const producer SessionID = 1
	const consumer SessionID = 2
	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}
	if err := qm.JoinConsumer(g, c, consumer); err != nil {
		t.Fatal(err)
	}

	var uuids []string
	for i := 0; i < 3; i++ {
		id, u, err := qm.CreateForQueue(g, c, producer, 8)
		if err != nil {
			t.Fatalf("CreateForQueue: %v", err)
		}
		if err := qm.PushMessage(g, c, producer, id); err != nil {
			t.Fatalf("PushMessage: %v", err)
		}
		uuids = append(uuids, u)
	}

	for i, want := range uuids {
		_, _, u, err := qm.PopMessage(g, c, consumer)
		if err != nil {
			t.Fatalf("PopMessage[%d]: %v", i, err)
		}
		if u != want {
			t.Fatalf("PopMessage[%d] = %q, want %q", i, u, want)
		}
	}
}

// Broadcast messages fan out only to consumers already joined at push
// time; a later joiner sees nothing of an earlier broadcast (§5 Ordering).
func TestQueueBroadcastLateJoinerSeesNothing(t *testing.T) {
	qm, g, c := newTestManager(t, defaultLimits())
	const producer SessionID = 1
	const early SessionID = 2
	const late SessionID = 3

	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}
	if err := qm.JoinConsumer(g, c, early); err != nil {
		t.Fatal(err)
	}

	id, err := qm.CreateForBroadcast(g, c, producer, 8)
	if err != nil {
		t.Fatalf("CreateForBroadcast: %v", err)
	}
	if err := qm.PushMessage(g, c, producer, id); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}

	if err := qm.JoinConsumer(g, c, late); err != nil {
		t.Fatal(err)
	}

	gotID, _, _, err := qm.PopMessage(g, c, early)
	if err != nil || gotID != id {
		t.Fatalf("early.PopMessage = (%d,%v), want (%d,nil)", gotID, err, id)
	}
	lateID, _, _, err := qm.PopMessage(g, c, late)
	if err != nil {
		t.Fatalf("late.PopMessage: %v", err)
	}
	if lateID != 0 {
		t.Fatalf("late joiner should see nothing, got id=%d", lateID)
	}
}

// Capacity: inMemory+onDisk <= maxMemory+maxDisk; saturation raises
// ExceedLimit (§8 invariant 4).
func TestQueueCapacityExceedLimit(t *testing.T) {
	limits := store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 1, MaxMessagesOnDisk: 1}
	qm, g, c := newTestManager(t, limits)
	const producer SessionID = 1
	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}

	if _, _, err := qm.CreateForQueue(g, c, producer, 8); err != nil {
		t.Fatalf("1st create: %v", err)
	}
	if _, _, err := qm.CreateForQueue(g, c, producer, 8); err != nil {
		t.Fatalf("2nd create: %v", err)
	}
	_, _, err := qm.CreateForQueue(g, c, producer, 8)
	if simqerr.KindOf(err) != simqerr.KindExceedLimit {
		t.Fatalf("3rd create = %v, want ExceedLimit", err)
	}
}

// Replication is idempotent on a repeated UUID: a second
// CreateForReplication with the same UUID raises DuplicateUuid rather
// than allocating a second message (§8's replication scenario).
func TestQueueReplicationDuplicateUUID(t *testing.T) {
	qm, g, c := newTestManager(t, defaultLimits())
	const producer SessionID = 1
	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}

	if _, err := qm.CreateForReplication(g, c, producer, 8, "fixed-uuid"); err != nil {
		t.Fatalf("1st replication create: %v", err)
	}
	_, err := qm.CreateForReplication(g, c, producer, 8, "fixed-uuid")
	if simqerr.KindOf(err) != simqerr.KindDuplicateUUID {
		t.Fatalf("2nd replication create = %v, want DuplicateUuid", err)
	}
}

// LeaveConsumer decrements the signal count of its pending broadcast
// messages, freeing them at zero (§5 Cancellation).
func TestQueueLeaveConsumerFreesBroadcast(t *testing.T) {
	qm, g, c := newTestManager(t, defaultLimits())
	const producer SessionID = 1
	const consumer SessionID = 2
	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}
	if err := qm.JoinConsumer(g, c, consumer); err != nil {
		t.Fatal(err)
	}

	id, err := qm.CreateForBroadcast(g, c, producer, 8)
	if err != nil {
		t.Fatalf("CreateForBroadcast: %v", err)
	}
	if err := qm.PushMessage(g, c, producer, id); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}

	if err := qm.LeaveConsumer(g, c, consumer); err != nil {
		t.Fatalf("LeaveConsumer: %v", err)
	}

	// The freed admission slot should be reusable: a fresh create up to
	// the same capacity must succeed.
	if err := qm.JoinProducer(g, c, producer); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < int(defaultLimits().MaxMessagesInMemory+defaultLimits().MaxMessagesOnDisk); i++ {
		if _, err := qm.CreateForBroadcast(g, c, producer, 8); err != nil {
			t.Fatalf("post-leave create[%d]: %v", i, err)
		}
	}
}
