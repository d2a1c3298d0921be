// Package session implements the per-session FSM and ServerController (§4.6).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/nlog"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
	"github.com/simqio/simq/internal/wire"
)

// liveMap is the controller's live-session table, keyed by ID.
type liveMap struct {
	mu sync.RWMutex
	m  map[ID]*Session
}

func (l *liveMap) store(id ID, s *Session) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[ID]*Session)
	}
	l.m[id] = s
	l.mu.Unlock()
}

func (l *liveMap) delete(id ID) {
	l.mu.Lock()
	delete(l.m, id)
	l.mu.Unlock()
}

func (l *liveMap) snapshot() []*Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Session, 0, len(l.m))
	for _, s := range l.m {
		out = append(out, s)
	}
	return out
}

// RunIdleSweep closes every live session idle for more than
// DelayNoActiveSec, once per tick (§4.6: "invoked once per two-second
// epoll tick"). Run this in its own goroutine for the controller's
// lifetime; it returns once stop is closed (cmd/simq-server passes its
// context's Done channel).
func (ctl *Controller) RunIdleSweep(stop <-chan struct{}) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			for _, s := range ctl.live.snapshot() {
				if s.watchTS.Load() && s.idleSeconds() >= DelayNoActiveSec {
					nlog.Infof("session %d idle %.0fs, closing", s.id, s.idleSeconds())
					s.conn.Close()
				}
			}
		}
	}
}

//
// group role loop
//

func (ctl *Controller) groupLoop(s *Session) error {
	s.watchTS.Store(true)
	for {
		pkt, err := wire.Recv(s.conn)
		if err != nil {
			return err
		}
		s.touch()
		if err := ctl.dispatchGroup(s, pkt); err != nil {
			if simqerr.KindOf(err) == simqerr.KindSocket {
				return err
			}
			if ctl.handleCommandErr(s, "group.dispatch", err) {
				return err
			}
			continue
		}
	}
}

func (ctl *Controller) dispatchGroup(s *Session, pkt *wire.Packet) error {
	sid := access.SessionID(s.id)
	switch pkt.Cmd {
	case wire.CmdDisconnect:
		return simqerr.New(simqerr.KindSocket, "group.disconnect")

	case wire.CmdUpdateOwnPassword:
		digest := pkt.ParamDigest(0)
		if err := ctl.pushChange(changeUpdateGroupPassword(s, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdListChannels:
		names, err := ctl.Store.GetDirectChannels(s.group)
		if err != nil {
			return err
		}
		return wire.Send(s.conn, wire.PrepareStringList(names))

	case wire.CmdListConsumers:
		channel := pkt.ParamString(0)
		names, err := ctl.Store.GetDirectConsumers(s.group, channel)
		if err != nil {
			return err
		}
		return wire.Send(s.conn, wire.PrepareStringList(names))

	case wire.CmdListProducers:
		channel := pkt.ParamString(0)
		names, err := ctl.Store.GetDirectProducers(s.group, channel)
		if err != nil {
			return err
		}
		return wire.Send(s.conn, wire.PrepareStringList(names))

	case wire.CmdGetChannelLimits:
		channel := pkt.ParamString(0)
		if err := ctl.Access.CheckGroup(s.group, sid); err != nil {
			return err
		}
		limits, err := ctl.Store.GetChannelLimits(s.group, channel)
		if err != nil {
			return err
		}
		return wire.Send(s.conn, wire.PrepareStringList(limitsToStrings(limits)))

	case wire.CmdSetChannelLimits:
		channel := pkt.ParamString(0)
		limits := limitsFromParams(pkt, 1)
		if err := ctl.pushChange(changeUpdateChannelLimits(s, channel, limits)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdAddChannel:
		channel := pkt.ParamString(0)
		limits := limitsFromParams(pkt, 1)
		if err := ctl.pushChange(changeAddChannel(s, channel, limits)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdRemoveChannel:
		channel := pkt.ParamString(0)
		if err := ctl.pushChange(changeRemoveChannel(s, channel)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdAddConsumer:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		digest := pkt.ParamDigest(2)
		if err := ctl.pushChange(changeAddConsumer(s, channel, login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdAddProducer:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		digest := pkt.ParamDigest(2)
		if err := ctl.pushChange(changeAddProducer(s, channel, login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdUpdateConsumerPassword:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		digest := pkt.ParamDigest(2)
		if err := ctl.pushChange(changeUpdateConsumerPassword(s, channel, login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdUpdateProducerPassword:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		digest := pkt.ParamDigest(2)
		if err := ctl.pushChange(changeUpdateProducerPassword(s, channel, login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdRemoveConsumer:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		if err := ctl.pushChange(changeRemoveConsumer(s, channel, login)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdRemoveProducer:
		channel, login := pkt.ParamString(0), pkt.ParamString(1)
		if err := ctl.pushChange(changeRemoveProducer(s, channel, login)); err != nil {
			return err
		}
		return ctl.ok(s)

	default:
		return simqerr.New(simqerr.KindWrongCmd, "group.dispatch")
	}
}

func (ctl *Controller) ok(s *Session) error {
	return wire.Send(s.conn, wire.PrepareOK())
}

func limitsToStrings(l store.ChannelLimits) []string {
	return []string{
		itoa(l.MinMessageSize), itoa(l.MaxMessageSize),
		itoa(l.MaxMessagesInMemory), itoa(l.MaxMessagesOnDisk),
	}
}

func limitsFromParams(pkt *wire.Packet, base int) store.ChannelLimits {
	return store.ChannelLimits{
		MinMessageSize:      pkt.ParamUint32(base),
		MaxMessageSize:      pkt.ParamUint32(base + 1),
		MaxMessagesInMemory: pkt.ParamUint32(base + 2),
		MaxMessagesOnDisk:   pkt.ParamUint32(base + 3),
	}
}

func itoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

//
// consumer role loop
//

func (ctl *Controller) consumerLoop(s *Session) error {
	s.watchTS.Store(true)
	for {
		pkt, err := wire.Recv(s.conn)
		if err != nil {
			return err
		}
		s.touch()
		if err := ctl.dispatchConsumer(s, pkt); err != nil {
			if simqerr.KindOf(err) == simqerr.KindSocket {
				return err
			}
			if ctl.handleCommandErr(s, "consumer.dispatch", err) {
				return err
			}
			continue
		}
	}
}

func (ctl *Controller) dispatchConsumer(s *Session, pkt *wire.Packet) error {
	switch pkt.Cmd {
	case wire.CmdDisconnect:
		return simqerr.New(simqerr.KindSocket, "consumer.disconnect")

	case wire.CmdUpdateOwnPassword:
		digest := pkt.ParamDigest(0)
		if err := ctl.pushChange(changeUpdateConsumerPassword(s, s.channel, s.login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdPopMessage:
		id, length, uuid, err := ctl.Queue.PopMessage(s.group, s.channel, queue.SessionID(s.id))
		if err != nil {
			return err
		}
		if err := wire.Send(s.conn, wire.PrepareMessageMeta(length, uuid)); err != nil {
			return err
		}
		if id == 0 {
			return nil
		}
		s.curMessageID, s.curUUID = id, uuid
		if err := ctl.sendBody(s, id, length); err != nil {
			return err
		}
		return nil

	case wire.CmdRemoveMessage:
		if s.curMessageID == 0 {
			return simqerr.New(simqerr.KindWrongCmd, "consumer.removeMessage")
		}
		var err error
		if s.curUUID != "" {
			err = ctl.Queue.RemoveMessageByUUID(s.group, s.channel, queue.SessionID(s.id), s.curUUID)
		} else {
			err = ctl.Queue.RemoveMessageByID(s.group, s.channel, queue.SessionID(s.id), s.curMessageID)
		}
		s.curMessageID, s.curUUID = 0, ""
		if err != nil {
			return err
		}
		return ctl.ok(s)

	default:
		return simqerr.New(simqerr.KindWrongCmd, "consumer.dispatch")
	}
}

//
// producer role loop
//

func (ctl *Controller) producerLoop(s *Session) error {
	s.watchTS.Store(true)
	for {
		pkt, err := wire.Recv(s.conn)
		if err != nil {
			return err
		}
		s.touch()
		if err := ctl.dispatchProducer(s, pkt); err != nil {
			if simqerr.KindOf(err) == simqerr.KindSocket {
				return err
			}
			if ctl.handleCommandErr(s, "producer.dispatch", err) {
				return err
			}
			continue
		}
	}
}

func (ctl *Controller) dispatchProducer(s *Session, pkt *wire.Packet) error {
	switch pkt.Cmd {
	case wire.CmdDisconnect:
		return simqerr.New(simqerr.KindSocket, "producer.disconnect")

	case wire.CmdUpdateOwnPassword:
		digest := pkt.ParamDigest(0)
		if err := ctl.pushChange(changeUpdateProducerPassword(s, s.channel, s.login, digest)); err != nil {
			return err
		}
		return ctl.ok(s)

	case wire.CmdPushMessage:
		length := pkt.ParamUint32(0)
		id, uuid, err := ctl.Queue.CreateForQueue(s.group, s.channel, queue.SessionID(s.id), length)
		if err != nil {
			return err
		}
		return ctl.produceBody(s, id, uuid, length)

	case wire.CmdPushPublicMessage:
		length := pkt.ParamUint32(0)
		id, err := ctl.Queue.CreateForBroadcast(s.group, s.channel, queue.SessionID(s.id), length)
		if err != nil {
			return err
		}
		return ctl.produceBody(s, id, "", length)

	case wire.CmdPushReplicaMessage:
		length := pkt.ParamUint32(0)
		u := pkt.ParamString(1)
		id, err := ctl.Queue.CreateForReplication(s.group, s.channel, queue.SessionID(s.id), length, u)
		if err != nil {
			return err
		}
		return ctl.produceBody(s, id, u, length)

	case wire.CmdRemoveMessage:
		if s.curMessageID == 0 {
			return simqerr.New(simqerr.KindWrongCmd, "producer.removeMessage")
		}
		err := ctl.Queue.RemoveMessageByID(s.group, s.channel, queue.SessionID(s.id), s.curMessageID)
		s.curMessageID, s.curUUID = 0, ""
		if err != nil {
			return err
		}
		return ctl.ok(s)

	default:
		return simqerr.New(simqerr.KindWrongCmd, "producer.dispatch")
	}
}

func (ctl *Controller) produceBody(s *Session, id uint32, uuid string, length uint32) error {
	s.curMessageID, s.curUUID = id, uuid
	if err := wire.Send(s.conn, wire.PrepareMessageMeta(length, uuid)); err != nil {
		return err
	}
	if err := ctl.recvBody(s, id, length); err != nil {
		return err
	}
	if err := ctl.Queue.PushMessage(s.group, s.channel, queue.SessionID(s.id), id); err != nil {
		return err
	}
	s.curMessageID, s.curUUID = 0, ""
	return nil
}
