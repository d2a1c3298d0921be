// Package boot implements Initialization (§4.9): boot and applier tests.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package boot

import (
	"path/filepath"
	"testing"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

func newTestInit(t *testing.T) *Initialization {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(root)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ch, err := changes.Open(filepath.Join(root, "changes"))
	if err != nil {
		t.Fatalf("changes.Open: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return New(st, access.New(), queue.New(), ch)
}

func digestOf(s string) store.Digest { return store.Compute([]byte(s)) }

// Boot reconstructs Access and QueueManager from whatever is already
// persisted in Store, in group -> channel -> user order.
func TestBootReconstructsFromStore(t *testing.T) {
	in := newTestInit(t)
	if err := in.Store.AddGroup("g", digestOf("grouppw")); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := in.Store.AddChannel("g", "c", store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 4, MaxMessagesOnDisk: 4}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := in.Store.AddConsumer("g", "c", "u", digestOf("userpw")); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}

	if err := in.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := in.Access.AuthConsumer("g", "c", "u", digestOf("userpw"), 1); err != nil {
		t.Fatalf("post-boot AuthConsumer: %v", err)
	}
	if err := in.Queue.JoinConsumer("g", "c", 1); err != nil {
		t.Fatalf("post-boot JoinConsumer: %v", err)
	}
}

// The applier adds in Store -> QueueManager -> Access order: after a
// single poll, a group pushed onto the journal must be authenticatable
// and joinable.
func TestApplierAddGroupThenChannel(t *testing.T) {
	in := newTestInit(t)
	if err := in.Changes.Push(changes.Change{Kind: changes.AddGroup, Group: "g", Digest: digestOf("grouppw")}); err != nil {
		t.Fatalf("Push AddGroup: %v", err)
	}
	if err := in.Changes.Push(changes.Change{Kind: changes.AddChannel, Group: "g", Channel: "c", Limits: store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 4, MaxMessagesOnDisk: 4}}); err != nil {
		t.Fatalf("Push AddChannel: %v", err)
	}

	in.pollChanges()

	if err := in.Access.AuthGroup("g", digestOf("grouppw"), 1); err != nil {
		t.Fatalf("AuthGroup after apply: %v", err)
	}
	if err := in.Queue.JoinProducer("g", "c", 1); err != nil {
		t.Fatalf("JoinProducer after apply: %v", err)
	}
	if _, err := in.Store.GetGroupPasswordDigest("g"); err != nil {
		t.Fatalf("Store should also have the group: %v", err)
	}
}

// Removal order is Access -> QueueManager -> Store: once applied, the
// group is fully gone, including from the session/membership layers
// that are torn down before Store forgets it.
func TestApplierRemoveGroupOrder(t *testing.T) {
	in := newTestInit(t)
	in.Changes.Push(changes.Change{Kind: changes.AddGroup, Group: "g", Digest: digestOf("grouppw")})
	in.pollChanges()

	in.Changes.Push(changes.Change{Kind: changes.RemoveGroup, Group: "g"})
	in.pollChanges()

	if err := in.Access.AuthGroup("g", digestOf("grouppw"), 1); simqerr.KindOf(err) != simqerr.KindNotFoundGroup {
		t.Fatalf("AuthGroup on removed group = %v, want NotFoundGroup", err)
	}
	if _, err := in.Store.GetGroupPasswordDigest("g"); err == nil {
		t.Fatalf("Store should no longer have the removed group")
	}
}

// A failing apply (e.g. a duplicate add) is skipped, not fatal to the
// applier loop: a subsequent, valid Change still gets applied.
func TestApplierSkipsFailedEntryButContinues(t *testing.T) {
	in := newTestInit(t)
	in.Changes.Push(changes.Change{Kind: changes.AddGroup, Group: "g", Digest: digestOf("grouppw")})
	in.Changes.Push(changes.Change{Kind: changes.AddGroup, Group: "g", Digest: digestOf("grouppw")}) // duplicate, will fail
	in.Changes.Push(changes.Change{Kind: changes.AddGroup, Group: "g2", Digest: digestOf("otherpw")})

	in.pollChanges()

	if err := in.Access.AuthGroup("g2", digestOf("otherpw"), 1); err != nil {
		t.Fatalf("AuthGroup g2 after applier continued past a failure: %v", err)
	}
}
