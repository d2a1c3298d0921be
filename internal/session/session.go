// Package session implements the per-session FSM and ServerController
// (§4.6). The source drives its FSM from non-blocking recv/send
// suspension points inside a single-threaded epoll loop; Go's
// net.Conn already blocks a goroutine at exactly those suspension
// points and the runtime netpoller multiplexes the blocked goroutines
// over epoll/kqueue for us (see DESIGN.md's Open Question decision on
// this), so ServerController instead runs one goroutine per accepted
// connection, straight-line through the handshake and role loop, and
// relies on the goroutine's own stack as the "continuation". The
// Session struct still carries the state fields the source's FSM
// would need (role, auth context, current message id, counters) so
// that the cancellation/rollback rules in §5 have a concrete home.
//
// Grounded on the teacher's transport.MsgStream, whose explicit state
// fields (offsets, CAS'd status) are the model for Session's fields;
// and on hk's periodic registration pattern for the idle-timeout sweep
// in controller.go.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/metrics"
	"github.com/simqio/simq/internal/msgbuf"
	"github.com/simqio/simq/internal/nlog"
	"github.com/simqio/simq/internal/opslog"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
	"github.com/simqio/simq/internal/wire"
)

// ID identifies a live session across Access and QueueManager, both of
// which declare their own same-width local type to avoid importing
// session (which would cycle back through them).
type ID uint64

// Role is the session's role sub-FSM, set once at successful auth.
type Role int

const (
	RoleCommon Role = iota
	RoleGroup
	RoleConsumer
	RoleProducer
)

// DelayNoActiveSec is DELAY_NO_ACTIVE_SEC from §4.6: a session idle this
// long is eligible for the sweep to close it.
const DelayNoActiveSec = 15

// MaxPartSize is the body-transfer chunk size (§4.6: "parts" of 4096 bytes).
const MaxPartSize = 4096

// Session is the server's per-connection state.
type Session struct {
	id   ID
	conn net.Conn
	ip   string

	role    Role
	group   string
	channel string
	login   string

	curMessageID uint32
	curUUID      string // non-empty => queued delivery; empty => broadcast

	lastActivity atomic.Int64 // unix nano
	watchTS      atomic.Bool

	sentBytes uint64
	recvBytes uint64
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) idleSeconds() float64 {
	last := s.lastActivity.Load()
	return time.Since(time.Unix(0, last)).Seconds()
}

// Controller is ServerController: owns Access, QueueManager, Changes,
// Store and the live-session table, and dispatches each connection's
// FSM.
type Controller struct {
	Access  *access.Access
	Queue   *queue.QueueManager
	Changes *changes.Changes
	Store   *store.Store
	Version uint32

	nextID  atomic.Uint64
	live    liveMap
}

func NewController(a *access.Access, q *queue.QueueManager, c *changes.Changes, st *store.Store) *Controller {
	return &Controller{Access: a, Queue: q, Changes: c, Store: st, Version: wire.ProtocolVersion}
}

// Connect is ServerController::connect: allocate a Session for an
// accepted (conn, ip) and run its FSM to completion on the calling
// goroutine (the caller is expected to be a fresh goroutine per conn).
func (ctl *Controller) Connect(conn net.Conn, ip string) {
	s := &Session{id: ID(ctl.nextID.Add(1)), conn: conn, ip: ip}
	s.touch()
	ctl.live.store(s.id, s)
	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()
	defer ctl.live.delete(s.id)
	defer ctl.cleanup(s)
	defer conn.Close()

	if err := ctl.handshake(s); err != nil {
		ctl.reportAndMaybeClose(s, "connect", err)
		return
	}

	var loopErr error
	switch s.role {
	case RoleGroup:
		loopErr = ctl.groupLoop(s)
	case RoleConsumer:
		loopErr = ctl.consumerLoop(s)
	case RoleProducer:
		loopErr = ctl.producerLoop(s)
	}
	if loopErr != nil && loopErr != io.EOF {
		nlog.Warningf("session %d closed: %v", s.id, loopErr)
	}
}

// cleanup applies §5's cancellation/rollback rules on session close:
// producer-owned in-flight messages are freed, consumer-owned queued
// messages reverted to the FIFO head, consumer-owned broadcast messages
// have their signal decremented.
func (ctl *Controller) cleanup(s *Session) {
	switch s.role {
	case RoleGroup:
		ctl.Access.LogoutGroup(s.group, access.SessionID(s.id))
	case RoleConsumer:
		if s.curMessageID != 0 {
			if s.curUUID != "" {
				ctl.Queue.RevertMessage(s.group, s.channel, queue.SessionID(s.id), s.curMessageID)
			} else {
				ctl.Queue.RemoveMessageByID(s.group, s.channel, queue.SessionID(s.id), s.curMessageID)
			}
		}
		ctl.Queue.LeaveConsumer(s.group, s.channel, queue.SessionID(s.id))
		ctl.Access.LogoutConsumer(s.group, s.channel, s.login, access.SessionID(s.id))
	case RoleProducer:
		if s.curMessageID != 0 {
			ctl.Queue.RemoveMessageByID(s.group, s.channel, queue.SessionID(s.id), s.curMessageID)
		}
		ctl.Queue.LeaveProducer(s.group, s.channel, queue.SessionID(s.id))
		ctl.Access.LogoutProducer(s.group, s.channel, s.login, access.SessionID(s.id))
	}
}

//
// handshake — COMMON role: check-secure, get-version, auth
//

func (ctl *Controller) handshake(s *Session) error {
	pkt, err := wire.Recv(s.conn)
	if err != nil {
		return err
	}
	if pkt.Cmd != wire.CmdCheckSecure {
		return simqerr.New(simqerr.KindWrongCmd, "handshake.checkSecure")
	}
	// TLS negotiation is deliberately a no-op (§4.6); answer OK.
	if err := wire.Send(s.conn, wire.PrepareOK()); err != nil {
		return err
	}
	s.touch()

	pkt, err = wire.Recv(s.conn)
	if err != nil {
		return err
	}
	if pkt.Cmd != wire.CmdGetVersion {
		return simqerr.New(simqerr.KindWrongCmd, "handshake.getVersion")
	}
	if err := wire.Send(s.conn, wire.PrepareVersion(ctl.Version)); err != nil {
		return err
	}
	s.touch()

	pkt, err = wire.Recv(s.conn)
	if err != nil {
		return err
	}
	return ctl.authenticate(s, pkt)
}

func (ctl *Controller) authenticate(s *Session, pkt *wire.Packet) error {
	sid := s.id
	var authErr error
	switch pkt.Cmd {
	case wire.CmdAuthGroup:
		group := pkt.ParamString(0)
		digest := pkt.ParamDigest(1)
		if authErr = ctl.Access.AuthGroup(group, digest, access.SessionID(sid)); authErr == nil {
			s.role, s.group = RoleGroup, group
		}
	case wire.CmdAuthConsumer:
		group, channel, login := pkt.ParamString(0), pkt.ParamString(1), pkt.ParamString(2)
		digest := pkt.ParamDigest(3)
		if authErr = ctl.Access.AuthConsumer(group, channel, login, digest, access.SessionID(sid)); authErr == nil {
			if authErr = ctl.Queue.JoinConsumer(group, channel, queue.SessionID(sid)); authErr == nil {
				s.role, s.group, s.channel, s.login = RoleConsumer, group, channel, login
			}
		}
	case wire.CmdAuthProducer:
		group, channel, login := pkt.ParamString(0), pkt.ParamString(1), pkt.ParamString(2)
		digest := pkt.ParamDigest(3)
		if authErr = ctl.Access.AuthProducer(group, channel, login, digest, access.SessionID(sid)); authErr == nil {
			if authErr = ctl.Queue.JoinProducer(group, channel, queue.SessionID(sid)); authErr == nil {
				s.role, s.group, s.channel, s.login = RoleProducer, group, channel, login
			}
		}
	default:
		authErr = simqerr.New(simqerr.KindWrongCmd, "handshake.auth")
	}

	if authErr != nil {
		wire.Send(s.conn, wire.PrepareError(simqerr.KindOf(authErr).String()))
		return authErr
	}
	s.touch()
	return wire.Send(s.conn, wire.PrepareOK())
}

//
// error reporting / mapping (§7 controller error-kind → FSM transition)
//

// reportAndMaybeClose logs a handshake failure and sends SEND_ERROR for
// non-threatening kinds before Connect closes the connection;
// threatening kinds (authenticate has already sent their error frame)
// and transport errors are not sent to.
func (ctl *Controller) reportAndMaybeClose(s *Session, op string, err error) {
	kind := simqerr.KindOf(err)
	initiator := opslog.InitiatorRoot
	switch s.role {
	case RoleGroup:
		initiator = opslog.InitiatorGroup
	case RoleConsumer:
		initiator = opslog.InitiatorConsumer
	case RoleProducer:
		initiator = opslog.InitiatorProducer
	}
	opslog.Fail(op, initiator, s.login, s.ip, err, opslog.D("session", strconv.FormatUint(uint64(s.id), 10)))
	if kind == simqerr.KindSocket || kind.IsSessionThreatening() {
		return
	}
	wire.Send(s.conn, wire.PrepareError(kind.String()))
}

// handleCommandErr is the per-command version of the FSM's error
// mapping: non-threatening kinds reply SEND_ERROR and the role loop
// continues; threatening kinds reply SEND_ERROR_WITH_CLOSE and the loop
// ends; transport errors skip straight to CLOSE without a reply.
func (ctl *Controller) handleCommandErr(s *Session, op string, err error) (shouldClose bool) {
	kind := simqerr.KindOf(err)
	if kind == simqerr.KindSocket {
		return true
	}
	if sendErr := wire.Send(s.conn, wire.PrepareError(kind.String())); sendErr != nil {
		return true
	}
	return kind.IsSessionThreatening()
}

//
// message body transfer helpers shared by consumer/producer loops
//

func (ctl *Controller) recvBody(s *Session, id uint32, length uint32) error {
	for {
		n, err := ctl.Queue.Recv(s.group, s.channel, queue.SessionID(s.id), id, s.conn)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		s.recvBytes += uint64(n)
		s.touch()
		wr, _ := ctl.Queue.WrLength(s.group, s.channel, id)
		if msgbuf.IsFullPart(wr, length) {
			if wr == length {
				if err := wire.Send(s.conn, wire.PrepareOK()); err != nil {
					return err
				}
				return nil
			}
			if err := wire.Send(s.conn, wire.PrepareOK()); err != nil {
				return err
			}
		}
	}
}

func (ctl *Controller) sendBody(s *Session, id uint32, length uint32) error {
	var offset uint32
	for offset < length {
		n, err := ctl.Queue.Send(s.group, s.channel, queue.SessionID(s.id), id, s.conn, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		offset += uint32(n)
		s.sentBytes += uint64(n)
		s.touch()
		if msgbuf.IsFullPart(offset, length) && offset < length {
			// wait for the consumer's per-part ack before sending the next chunk
			ack, err := wire.Recv(s.conn)
			if err != nil {
				return err
			}
			if ack.Cmd != wire.CmdOK {
				return simqerr.New(simqerr.KindWrongCmd, "sendBody.ack")
			}
		}
	}
	// terminal ack for the whole body
	ack, err := wire.Recv(s.conn)
	if err != nil {
		return err
	}
	if ack.Cmd != wire.CmdOK {
		return simqerr.New(simqerr.KindWrongCmd, "sendBody.finalAck")
	}
	return nil
}
