// Package access implements Access (§4.4): credential/session tree tests.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package access

import (
	"testing"

	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

func digestOf(s string) store.Digest { return store.Compute([]byte(s)) }

func newTestAccess(t *testing.T) *Access {
	t.Helper()
	a := New()
	if err := a.AddGroup("g", digestOf("grouppw")); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := a.AddChannel("g", "c"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := a.AddConsumer("g", "c", "u", digestOf("userpw")); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}
	return a
}

// Session uniqueness (§8 invariant 1): authenticating the same identity
// twice raises DuplicateSession.
func TestAccessAuthTwiceIsDuplicateSession(t *testing.T) {
	a := newTestAccess(t)
	if err := a.AuthConsumer("g", "c", "u", digestOf("userpw"), 1); err != nil {
		t.Fatalf("1st auth: %v", err)
	}
	err := a.AuthConsumer("g", "c", "u", digestOf("userpw"), 2)
	if simqerr.KindOf(err) != simqerr.KindDuplicateSession {
		t.Fatalf("2nd auth = %v, want DuplicateSession", err)
	}
}

// Access gating (§8 invariant 2): check_* succeeds iff a live
// authenticated session exists at that level.
func TestAccessCheckGatesOnLiveSession(t *testing.T) {
	a := newTestAccess(t)
	if err := a.CheckConsumer("g", "c", "u", 1); simqerr.KindOf(err) != simqerr.KindNotFoundSession {
		t.Fatalf("check before auth = %v, want NotFoundSession", err)
	}
	if err := a.AuthConsumer("g", "c", "u", digestOf("userpw"), 1); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := a.CheckConsumer("g", "c", "u", 1); err != nil {
		t.Fatalf("check after auth: %v", err)
	}
}

// Password-change invalidation (§8 invariant 3): updating a user's
// password invalidates every pre-existing session of that user.
func TestAccessPasswordChangeInvalidatesSessions(t *testing.T) {
	a := newTestAccess(t)
	if err := a.AuthConsumer("g", "c", "u", digestOf("userpw"), 1); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := a.UpdateConsumerPassword("g", "c", "u", digestOf("newpw")); err != nil {
		t.Fatalf("UpdateConsumerPassword: %v", err)
	}
	if err := a.CheckConsumer("g", "c", "u", 1); simqerr.KindOf(err) != simqerr.KindNotFoundSession {
		t.Fatalf("check after password change = %v, want NotFoundSession", err)
	}
	if err := a.AuthConsumer("g", "c", "u", digestOf("newpw"), 1); err != nil {
		t.Fatalf("auth with new password: %v", err)
	}
}

func TestAccessWrongPassword(t *testing.T) {
	a := newTestAccess(t)
	err := a.AuthConsumer("g", "c", "u", digestOf("wrong"), 1)
	if simqerr.KindOf(err) != simqerr.KindWrongPassword {
		t.Fatalf("auth with wrong password = %v, want WrongPassword", err)
	}
}

func TestAccessGroupLevelAuthAndCheck(t *testing.T) {
	a := newTestAccess(t)
	if err := a.AuthGroup("g", digestOf("grouppw"), 1); err != nil {
		t.Fatalf("AuthGroup: %v", err)
	}
	if err := a.CheckGroup("g", 1); err != nil {
		t.Fatalf("CheckGroup: %v", err)
	}
	a.LogoutGroup("g", 1)
	if err := a.CheckGroup("g", 1); simqerr.KindOf(err) != simqerr.KindNotFoundSession {
		t.Fatalf("check after logout = %v, want NotFoundSession", err)
	}
}
