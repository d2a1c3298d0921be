// Package session implements the per-session FSM and ServerController (§4.6).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/store"
)

// pushChange enqueues a configuration mutation durably (§4.7's Push,
// not push_deferred — every one of these originates from an
// authenticated session and needs the flush-on-push guarantee). The
// applier (internal/boot) is the only writer of Store/Access/
// QueueManager; the session package never mutates them directly.
func (ctl *Controller) pushChange(ch changes.Change) error {
	return ctl.Changes.Push(ch)
}

func initiatorOf(s *Session) changes.Initiator {
	switch s.role {
	case RoleGroup:
		return changes.InitiatorGroup
	case RoleConsumer:
		return changes.InitiatorConsumer
	case RoleProducer:
		return changes.InitiatorProducer
	default:
		return changes.InitiatorRoot
	}
}

func identityOf(s *Session) string {
	if s.login != "" {
		return s.login
	}
	return s.group
}

func changeUpdateGroupPassword(s *Session, digest store.Digest) changes.Change {
	return changes.Change{
		Kind: changes.UpdateGroupPassword, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Digest: digest,
	}
}

func changeAddChannel(s *Session, channel string, limits store.ChannelLimits) changes.Change {
	return changes.Change{
		Kind: changes.AddChannel, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Limits: limits,
	}
}

func changeUpdateChannelLimits(s *Session, channel string, limits store.ChannelLimits) changes.Change {
	return changes.Change{
		Kind: changes.UpdateChannelLimits, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Limits: limits,
	}
}

func changeRemoveChannel(s *Session, channel string) changes.Change {
	return changes.Change{
		Kind: changes.RemoveChannel, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel,
	}
}

func changeAddConsumer(s *Session, channel, login string, digest store.Digest) changes.Change {
	return changes.Change{
		Kind: changes.AddConsumer, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login, Digest: digest,
	}
}

func changeAddProducer(s *Session, channel, login string, digest store.Digest) changes.Change {
	return changes.Change{
		Kind: changes.AddProducer, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login, Digest: digest,
	}
}

func changeUpdateConsumerPassword(s *Session, channel, login string, digest store.Digest) changes.Change {
	return changes.Change{
		Kind: changes.UpdateConsumerPassword, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login, Digest: digest,
	}
}

func changeUpdateProducerPassword(s *Session, channel, login string, digest store.Digest) changes.Change {
	return changes.Change{
		Kind: changes.UpdateProducerPassword, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login, Digest: digest,
	}
}

func changeRemoveConsumer(s *Session, channel, login string) changes.Change {
	return changes.Change{
		Kind: changes.RemoveConsumer, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login,
	}
}

func changeRemoveProducer(s *Session, channel, login string) changes.Change {
	return changes.Change{
		Kind: changes.RemoveProducer, Initiator: initiatorOf(s), Identity: identityOf(s), IP: s.ip,
		Group: s.group, Channel: channel, Login: login,
	}
}
