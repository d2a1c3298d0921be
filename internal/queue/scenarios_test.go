// Package queue_test exercises QueueManager (§4.3) via ginkgo BDD specs.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package queue_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

func newManager(limits store.ChannelLimits) (*queue.QueueManager, string, string) {
	qm := queue.New()
	Expect(qm.AddGroup("g")).To(Succeed())
	path := filepath.Join(GinkgoT().TempDir(), "content")
	Expect(qm.AddChannel("g", "c", path, limits)).To(Succeed())
	return qm, "g", "c"
}

func looseLimits() store.ChannelLimits {
	return store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 8, MaxMessagesOnDisk: 8}
}

var _ = Describe("QueueManager", func() {
	const producer queue.SessionID = 1
	const consumerA queue.SessionID = 2
	const consumerB queue.SessionID = 3

	var (
		qm   *queue.QueueManager
		g, c string
	)

	BeforeEach(func() {
		qm, g, c = newManager(looseLimits())
	})

	Context("with two consumers joined before a broadcast is pushed", func() {
		BeforeEach(func() {
			Expect(qm.JoinProducer(g, c, producer)).To(Succeed())
			Expect(qm.JoinConsumer(g, c, consumerA)).To(Succeed())
			Expect(qm.JoinConsumer(g, c, consumerB)).To(Succeed())
		})

		It("delivers the broadcast to every joined consumer", func() {
			id, err := qm.CreateForBroadcast(g, c, producer, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(qm.PushMessage(g, c, producer, id)).To(Succeed())

			gotA, _, _, err := qm.PopMessage(g, c, consumerA)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotA).To(Equal(id))

			gotB, _, _, err := qm.PopMessage(g, c, consumerB)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotB).To(Equal(id))
		})

		It("reports no pending message to a consumer that already popped it", func() {
			id, err := qm.CreateForBroadcast(g, c, producer, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(qm.PushMessage(g, c, producer, id)).To(Succeed())

			_, _, _, err = qm.PopMessage(g, c, consumerA)
			Expect(err).NotTo(HaveOccurred())

			againID, _, _, err := qm.PopMessage(g, c, consumerA)
			Expect(err).NotTo(HaveOccurred())
			Expect(againID).To(BeZero())
		})
	})

	Context("when a consumer leaves mid-flight", func() {
		It("refuses a pop from a consumer no longer joined to the channel", func() {
			Expect(qm.JoinProducer(g, c, producer)).To(Succeed())
			Expect(qm.JoinConsumer(g, c, consumerA)).To(Succeed())
			Expect(qm.LeaveConsumer(g, c, consumerA)).To(Succeed())

			_, _, _, err := qm.PopMessage(g, c, consumerA)
			Expect(simqerr.KindOf(err)).To(Equal(simqerr.KindAccessDeny))
		})
	})

	Context("at channel capacity", func() {
		It("raises ExceedLimit once both memory and disk quotas are exhausted", func() {
			limits := store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 16, MaxMessagesInMemory: 1, MaxMessagesOnDisk: 0}
			qm, g, c := newManager(limits)
			Expect(qm.JoinProducer(g, c, producer)).To(Succeed())

			_, _, err := qm.CreateForQueue(g, c, producer, 4)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = qm.CreateForQueue(g, c, producer, 4)
			Expect(simqerr.KindOf(err)).To(Equal(simqerr.KindExceedLimit))
		})
	})
})
