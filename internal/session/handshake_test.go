// Package session implements the per-session FSM and ServerController (§4.6).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
	"github.com/simqio/simq/internal/wire"
)

// rawFrame builds a client-side request frame in the same shape
// internal/wire.Recv expects, for commands the wire package has no
// client-side Prepare* helper for (those are server-response-only).
func rawFrame(cmd wire.Command, params ...[]byte) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(cmd))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(params)))
	for _, p := range params {
		lb := make([]byte, 4)
		binary.BigEndian.PutUint32(lb, uint32(len(p)))
		buf = append(buf, lb...)
		buf = append(buf, p...)
	}
	return buf
}

func newTestController(t *testing.T) (*Controller, string, string, string) {
	t.Helper()
	a := access.New()
	qm := queue.New()
	if err := a.AddGroup("g", store.Compute([]byte("grouppw"))); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := a.AddChannel("g", "c"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := a.AddConsumer("g", "c", "u", store.Compute([]byte("userpw"))); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}
	if err := qm.AddGroup("g"); err != nil {
		t.Fatalf("queue AddGroup: %v", err)
	}
	path := t.TempDir() + "/content"
	limits := store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 4, MaxMessagesOnDisk: 4}
	if err := qm.AddChannel("g", "c", path, limits); err != nil {
		t.Fatalf("queue AddChannel: %v", err)
	}
	return &Controller{Access: a, Queue: qm, Version: wire.ProtocolVersion}, "g", "c", "u"
}

func sendClientCommon(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(rawFrame(wire.CmdCheckSecure)); err != nil {
		t.Fatalf("write checkSecure: %v", err)
	}
	if _, err := wire.Recv(conn); err != nil {
		t.Fatalf("recv checkSecure reply: %v", err)
	}
	if _, err := conn.Write(rawFrame(wire.CmdGetVersion)); err != nil {
		t.Fatalf("write getVersion: %v", err)
	}
	if _, err := wire.Recv(conn); err != nil {
		t.Fatalf("recv version reply: %v", err)
	}
}

// A correctly-credentialed consumer auth completes the handshake,
// moves the session into RoleConsumer, and joins it on the QueueManager.
func TestHandshakeConsumerAuthSuccess(t *testing.T) {
	ctl, g, c, u := newTestController(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := &Session{id: 7, conn: serverConn}
	errc := make(chan error, 1)
	go func() { errc <- ctl.handshake(s) }()

	sendClientCommon(t, clientConn)
	clientConn.SetDeadline(time.Now().Add(time.Second))
	digest := store.Compute([]byte("userpw"))
	if _, err := clientConn.Write(rawFrame(wire.CmdAuthConsumer, []byte(g), []byte(c), []byte(u), digest[:])); err != nil {
		t.Fatalf("write authConsumer: %v", err)
	}
	reply, err := wire.Recv(clientConn)
	if err != nil {
		t.Fatalf("recv auth reply: %v", err)
	}
	if reply.Cmd != wire.CmdOK {
		t.Fatalf("auth reply cmd = %v, want CmdOK", reply.Cmd)
	}

	if err := <-errc; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if s.role != RoleConsumer || s.group != g || s.channel != c || s.login != u {
		t.Fatalf("session state after auth = %+v", s)
	}
	// Consumer join during auth is real, not just a state flag:
	// PopMessage refuses a session id that is not joined to the channel,
	// so popping on session 7's behalf must not error.
	if _, _, _, err := ctl.Queue.PopMessage(g, c, queue.SessionID(s.id)); err != nil {
		t.Fatalf("PopMessage for the newly-joined consumer: %v", err)
	}
}

// A wrong password fails the handshake and the client observes an
// Error frame rather than OK.
func TestHandshakeWrongPasswordSendsErrorAndFails(t *testing.T) {
	ctl, g, c, u := newTestController(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := &Session{id: 8, conn: serverConn}
	errc := make(chan error, 1)
	go func() { errc <- ctl.handshake(s) }()

	sendClientCommon(t, clientConn)
	clientConn.SetDeadline(time.Now().Add(time.Second))
	wrong := store.Compute([]byte("not-the-password"))
	if _, err := clientConn.Write(rawFrame(wire.CmdAuthConsumer, []byte(g), []byte(c), []byte(u), wrong[:])); err != nil {
		t.Fatalf("write authConsumer: %v", err)
	}
	reply, err := wire.Recv(clientConn)
	if err != nil {
		t.Fatalf("recv auth reply: %v", err)
	}
	if reply.Cmd != wire.CmdError {
		t.Fatalf("auth reply cmd = %v, want CmdError", reply.Cmd)
	}

	handshakeErr := <-errc
	if simqerr.KindOf(handshakeErr) != simqerr.KindWrongPassword {
		t.Fatalf("handshake err = %v, want WrongPassword", handshakeErr)
	}
	if s.role != RoleCommon {
		t.Fatalf("role should remain RoleCommon on failed auth, got %v", s.role)
	}
}

// Sending anything other than check_secure first is a protocol error.
func TestHandshakeRejectsOutOfOrderFirstCommand(t *testing.T) {
	ctl, _, _, _ := newTestController(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := &Session{id: 9, conn: serverConn}
	errc := make(chan error, 1)
	go func() { errc <- ctl.handshake(s) }()

	clientConn.SetDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write(rawFrame(wire.CmdGetVersion)); err != nil {
		t.Fatalf("write getVersion: %v", err)
	}

	err := <-errc
	if simqerr.KindOf(err) != simqerr.KindWrongCmd {
		t.Fatalf("handshake err = %v, want WrongCmd", err)
	}
}
