// Package boot implements Initialization (§4.9): boot-time
// reconstruction of Access/QueueManager from Store, and the applier
// loop that subsequently drains Changes and fans mutations out to
// Store, QueueManager, and Access in the fixed order the spec
// prescribes. Grounded on the teacher's ais/earlystart.go boot-sequence
// shape (load → validate → register, strictly ordered) and hk's
// fixed-interval registration pattern for the applier's poll loop.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package boot

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/config"
	"github.com/simqio/simq/internal/metrics"
	"github.com/simqio/simq/internal/nlog"
	"github.com/simqio/simq/internal/opslog"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/store"
)

// PollInterval is the applier's poll period (§4.9: "every 50 ms").
const PollInterval = 50 * time.Millisecond

// Initialization owns the boot sequence and the subsequent applier loop.
type Initialization struct {
	Store   *store.Store
	Access  *access.Access
	Queue   *queue.QueueManager
	Changes *changes.Changes
}

func New(st *store.Store, a *access.Access, qm *queue.QueueManager, ch *changes.Changes) *Initialization {
	return &Initialization{Store: st, Access: a, Queue: qm, Changes: ch}
}

// Boot performs the boot sequence: instantiate Store (already done by
// the caller) → for every group, push to Access+QueueManager using the
// stored password; for each channel, push into QueueManager with its
// persisted limits and content-file path; for each consumer/producer,
// push credentials into Access. Every step is logged.
func (in *Initialization) Boot() error {
	groups, err := in.Store.GetDirectGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		digest, err := in.Store.GetGroupPasswordDigest(g)
		if err != nil {
			opslog.Fail("boot_add_group", opslog.InitiatorBoot, g, "", err)
			continue
		}
		if err := in.Access.AddGroup(g, digest); err != nil {
			opslog.Fail("boot_add_group", opslog.InitiatorBoot, g, "", err)
			continue
		}
		if err := in.Queue.AddGroup(g); err != nil {
			opslog.Fail("boot_add_group", opslog.InitiatorBoot, g, "", err)
			continue
		}
		opslog.Success("boot_add_group", opslog.InitiatorBoot, g, "")
		in.bootChannels(g)
	}
	return nil
}

func (in *Initialization) bootChannels(g string) {
	channels, err := in.Store.GetDirectChannels(g)
	if err != nil {
		opslog.Fail("boot_list_channels", opslog.InitiatorBoot, g, "", err)
		return
	}
	for _, c := range channels {
		limits, err := in.Store.GetChannelLimits(g, c)
		if err != nil {
			opslog.Fail("boot_add_channel", opslog.InitiatorBoot, g+"/"+c, "", err)
			continue
		}
		path := store.ContentFilePath(in.Store.Root(), g, c)
		if err := in.Access.AddChannel(g, c); err != nil {
			opslog.Fail("boot_add_channel", opslog.InitiatorBoot, g+"/"+c, "", err)
			continue
		}
		if err := in.Queue.AddChannel(g, c, path, limits); err != nil {
			opslog.Fail("boot_add_channel", opslog.InitiatorBoot, g+"/"+c, "", err)
			continue
		}
		opslog.Success("boot_add_channel", opslog.InitiatorBoot, g+"/"+c, "")
		in.bootUsers(g, c)
	}
}

func (in *Initialization) bootUsers(g, c string) {
	consumers, err := in.Store.GetDirectConsumers(g, c)
	if err == nil {
		for _, u := range consumers {
			digest, err := in.Store.GetConsumerPasswordDigest(g, c, u)
			if err != nil {
				opslog.Fail("boot_add_consumer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "", err)
				continue
			}
			if err := in.Access.AddConsumer(g, c, u, digest); err != nil {
				opslog.Fail("boot_add_consumer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "", err)
				continue
			}
			opslog.Success("boot_add_consumer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "")
		}
	}
	producers, err := in.Store.GetDirectProducers(g, c)
	if err == nil {
		for _, u := range producers {
			digest, err := in.Store.GetProducerPasswordDigest(g, c, u)
			if err != nil {
				opslog.Fail("boot_add_producer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "", err)
				continue
			}
			if err := in.Access.AddProducer(g, c, u, digest); err != nil {
				opslog.Fail("boot_add_producer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "", err)
				continue
			}
			opslog.Success("boot_add_producer", opslog.InitiatorBoot, g+"/"+c+"/"+u, "")
		}
	}
}

// RunApplier runs the 50ms poll_changes loop until ctx is cancelled,
// using an errgroup-owned goroutine per the teacher's lifecycle
// convention for long-running background loops.
func (in *Initialization) RunApplier(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				in.pollChanges()
			}
		}
	})
	return g.Wait()
}

// pollChanges drains every currently-queued Change, applying each via
// the operation-specific helper. Failed applies are logged and skipped;
// they do not halt the applier.
func (in *Initialization) pollChanges() {
	for {
		ch, ok, err := in.Changes.Pop()
		if err != nil {
			nlog.Errorf("boot: applier pop failed: %v", err)
			return
		}
		if !ok {
			return
		}
		in.apply(ch)
	}
}

func (in *Initialization) apply(ch changes.Change) {
	op := applyOpName(ch.Kind)
	identity := ch.Identity
	var err error
	switch ch.Kind {
	case changes.AddGroup:
		err = in.applyAddGroup(ch)
	case changes.UpdateGroupPassword:
		err = in.applyUpdateGroupPassword(ch)
	case changes.RemoveGroup:
		err = in.applyRemoveGroup(ch)
	case changes.AddChannel:
		err = in.applyAddChannel(ch)
	case changes.UpdateChannelLimits:
		err = in.applyUpdateChannelLimits(ch)
	case changes.RemoveChannel:
		err = in.applyRemoveChannel(ch)
	case changes.AddConsumer:
		err = in.applyAddConsumer(ch)
	case changes.UpdateConsumerPassword:
		err = in.applyUpdateConsumerPassword(ch)
	case changes.RemoveConsumer:
		err = in.applyRemoveConsumer(ch)
	case changes.AddProducer:
		err = in.applyAddProducer(ch)
	case changes.UpdateProducerPassword:
		err = in.applyUpdateProducerPassword(ch)
	case changes.RemoveProducer:
		err = in.applyRemoveProducer(ch)
	case changes.UpdateMasterPassword:
		err = in.Store.UpdateMasterPassword(ch.Digest)
	case changes.UpdatePort:
		if err = in.Store.UpdatePort(ch.Port); err == nil {
			cfg := *config.Get()
			cfg.Port = in.Store.GetPort()
			config.Set(&cfg)
		}
	case changes.UpdateCountThreads:
		if err = in.Store.UpdateCountThreads(ch.Count); err == nil {
			cfg := *config.Get()
			cfg.CountThreads = in.Store.GetSettings().CountThreads
			config.Set(&cfg)
		}
	}
	if err != nil {
		metrics.ChangesFailed.Inc()
		opslog.Fail(op, opslog.Initiator(initiatorString(ch.Initiator)), identity, ch.IP, err, opslog.D("tag", ch.Tag))
		return
	}
	metrics.ChangesApplied.Inc()
	opslog.Success(op, opslog.Initiator(initiatorString(ch.Initiator)), identity, ch.IP, opslog.D("tag", ch.Tag))
}

func initiatorString(i changes.Initiator) string {
	switch i {
	case changes.InitiatorGroup:
		return "GROUP"
	case changes.InitiatorConsumer:
		return "CONSUMER"
	case changes.InitiatorProducer:
		return "PRODUCER"
	default:
		return "ROOT"
	}
}

func applyOpName(k changes.Kind) string {
	switch k {
	case changes.AddGroup:
		return "add_group"
	case changes.UpdateGroupPassword:
		return "update_group_password"
	case changes.RemoveGroup:
		return "remove_group"
	case changes.AddChannel:
		return "add_channel"
	case changes.UpdateChannelLimits:
		return "update_channel_limits"
	case changes.RemoveChannel:
		return "remove_channel"
	case changes.AddConsumer:
		return "add_consumer"
	case changes.UpdateConsumerPassword:
		return "update_consumer_password"
	case changes.RemoveConsumer:
		return "remove_consumer"
	case changes.AddProducer:
		return "add_producer"
	case changes.UpdateProducerPassword:
		return "update_producer_password"
	case changes.RemoveProducer:
		return "remove_producer"
	case changes.UpdateMasterPassword:
		return "update_master_password"
	case changes.UpdatePort:
		return "update_port"
	case changes.UpdateCountThreads:
		return "update_count_threads"
	default:
		return "unknown_change"
	}
}

//
// add/update: Store → QueueManager → Access
//

func (in *Initialization) applyAddGroup(ch changes.Change) error {
	if err := in.Store.AddGroup(ch.Group, ch.Digest); err != nil {
		return err
	}
	if err := in.Queue.AddGroup(ch.Group); err != nil {
		return err
	}
	return in.Access.AddGroup(ch.Group, ch.Digest)
}

func (in *Initialization) applyUpdateGroupPassword(ch changes.Change) error {
	if err := in.Store.UpdateGroupPassword(ch.Group, ch.Digest); err != nil {
		return err
	}
	return in.Access.UpdateGroupPassword(ch.Group, ch.Digest)
}

func (in *Initialization) applyAddChannel(ch changes.Change) error {
	if err := in.Store.AddChannel(ch.Group, ch.Channel, ch.Limits); err != nil {
		return err
	}
	path := store.ContentFilePath(in.Store.Root(), ch.Group, ch.Channel)
	if err := in.Queue.AddChannel(ch.Group, ch.Channel, path, ch.Limits); err != nil {
		return err
	}
	return in.Access.AddChannel(ch.Group, ch.Channel)
}

func (in *Initialization) applyUpdateChannelLimits(ch changes.Change) error {
	if err := in.Store.UpdateChannelLimits(ch.Group, ch.Channel, ch.Limits); err != nil {
		return err
	}
	return in.Queue.UpdateChannelLimits(ch.Group, ch.Channel, ch.Limits)
}

func (in *Initialization) applyAddConsumer(ch changes.Change) error {
	if err := in.Store.AddConsumer(ch.Group, ch.Channel, ch.Login, ch.Digest); err != nil {
		return err
	}
	return in.Access.AddConsumer(ch.Group, ch.Channel, ch.Login, ch.Digest)
}

func (in *Initialization) applyUpdateConsumerPassword(ch changes.Change) error {
	if err := in.Store.UpdateConsumerPassword(ch.Group, ch.Channel, ch.Login, ch.Digest); err != nil {
		return err
	}
	return in.Access.UpdateConsumerPassword(ch.Group, ch.Channel, ch.Login, ch.Digest)
}

func (in *Initialization) applyAddProducer(ch changes.Change) error {
	if err := in.Store.AddProducer(ch.Group, ch.Channel, ch.Login, ch.Digest); err != nil {
		return err
	}
	return in.Access.AddProducer(ch.Group, ch.Channel, ch.Login, ch.Digest)
}

func (in *Initialization) applyUpdateProducerPassword(ch changes.Change) error {
	if err := in.Store.UpdateProducerPassword(ch.Group, ch.Channel, ch.Login, ch.Digest); err != nil {
		return err
	}
	return in.Access.UpdateProducerPassword(ch.Group, ch.Channel, ch.Login, ch.Digest)
}

//
// remove: Access → QueueManager → Store
//

func (in *Initialization) applyRemoveGroup(ch changes.Change) error {
	in.Access.RemoveGroup(ch.Group)
	in.Queue.RemoveGroup(ch.Group)
	return in.Store.RemoveGroup(ch.Group)
}

func (in *Initialization) applyRemoveChannel(ch changes.Change) error {
	in.Access.RemoveChannel(ch.Group, ch.Channel)
	in.Queue.RemoveChannel(ch.Group, ch.Channel)
	return in.Store.RemoveChannel(ch.Group, ch.Channel)
}

func (in *Initialization) applyRemoveConsumer(ch changes.Change) error {
	in.Access.RemoveConsumer(ch.Group, ch.Channel, ch.Login)
	return in.Store.RemoveConsumer(ch.Group, ch.Channel, ch.Login)
}

func (in *Initialization) applyRemoveProducer(ch changes.Change) error {
	in.Access.RemoveProducer(ch.Group, ch.Channel, ch.Login)
	return in.Store.RemoveProducer(ch.Group, ch.Channel, ch.Login)
}
