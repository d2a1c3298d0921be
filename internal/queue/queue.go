// Package queue implements QueueManager (§4.3): per-channel FIFO,
// per-consumer pending lists, and broadcast signal counters, delegating
// all byte I/O to internal/msgbuf. Grounded on the teacher's transport
// package's per-stream pending-state bookkeeping (one map keyed by
// session/fd per logical stream), generalized here to group/channel
// scope instead of per-target scope.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package queue

import (
	"net"
	"sync"

	"github.com/google/uuid"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/simqio/simq/internal/metrics"
	"github.com/simqio/simq/internal/msgbuf"
	"github.com/simqio/simq/internal/paging"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

// SessionID is the same namespace as access.SessionID; queue doesn't
// import access to avoid a cyclic dependency — both are driven by the
// session package, which holds the canonical id space.
type SessionID uint64

type pendingEntry struct {
	id       uint32
	isUUID   bool
	uuid     string
}

type channel struct {
	mu sync.Mutex

	limits store.ChannelLimits
	mb     *msgbuf.MessageBuffer
	pf     *paging.PagedFile

	consumers map[SessionID]struct{}
	producers map[SessionID]struct{}

	// pending[sid] is this consumer's private broadcast-delivery queue.
	pending map[SessionID][]pendingEntry

	fifo []pendingEntry // queued (UUID-carrying) messages, FIFO order

	signals map[uint32]int // broadcast message id -> remaining ack count
	byUUID  map[string]uint32

	countInMemory int
	countOnDisk   int
	classOf       classTracker // message id -> which quota it consumed

	dup *cuckoo.Filter // fast-path duplicate-UUID pre-check
}

func newChannel(path string, limits store.ChannelLimits) (*channel, error) {
	pf, err := paging.Open(path)
	if err != nil {
		return nil, err
	}
	return &channel{
		limits:    limits,
		mb:        msgbuf.New(pf),
		pf:        pf,
		consumers: make(map[SessionID]struct{}),
		producers: make(map[SessionID]struct{}),
		pending:   make(map[SessionID][]pendingEntry),
		signals:   make(map[uint32]int),
		byUUID:    make(map[string]uint32),
		dup:       cuckoo.NewDefaultCuckooFilter(),
	}, nil
}

type group struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// QueueManager is the broker-wide Map<GroupName, Map<ChannelName, Channel>>.
type QueueManager struct {
	mu     sync.RWMutex
	groups map[string]*group
}

func New() *QueueManager {
	return &QueueManager{groups: make(map[string]*group)}
}

//
// topology
//

func (qm *QueueManager) AddGroup(name string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if _, dup := qm.groups[name]; dup {
		return simqerr.DuplicateGroup("QueueManager.AddGroup", name)
	}
	qm.groups[name] = &group{channels: make(map[string]*channel)}
	return nil
}

func (qm *QueueManager) RemoveGroup(name string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	delete(qm.groups, name)
	return nil
}

// AddChannel creates a fresh MessageBuffer rooted at path (§4.3).
func (qm *QueueManager) AddChannel(groupName, channelName, path string, limits store.ChannelLimits) error {
	g, err := qm.group(groupName)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.channels[channelName]; dup {
		return simqerr.DuplicateChannel("QueueManager.AddChannel", channelName)
	}
	ch, err := newChannel(path, limits)
	if err != nil {
		return simqerr.Wrap(simqerr.KindFSError, "QueueManager.AddChannel", err)
	}
	g.channels[channelName] = ch
	return nil
}

func (qm *QueueManager) UpdateChannelLimits(groupName, channelName string, limits store.ChannelLimits) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.limits = limits
	ch.mu.Unlock()
	return nil
}

func (qm *QueueManager) RemoveChannel(groupName, channelName string) error {
	g, err := qm.group(groupName)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if ch, ok := g.channels[channelName]; ok {
		ch.pf.Close()
	}
	delete(g.channels, channelName)
	g.mu.Unlock()
	return nil
}

//
// membership
//

func (qm *QueueManager) JoinConsumer(groupName, channelName string, sid SessionID) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.consumers[sid] = struct{}{}
	ch.pending[sid] = nil
	ch.mu.Unlock()
	return nil
}

// LeaveConsumer decrements the signal counter of every message on sid's
// pending list and frees any that reach zero (§4.3 broadcast discipline).
func (qm *QueueManager) LeaveConsumer(groupName, channelName string, sid SessionID) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, e := range ch.pending[sid] {
		ch.decSignalLocked(e.id)
	}
	delete(ch.pending, sid)
	delete(ch.consumers, sid)
	return nil
}

func (qm *QueueManager) JoinProducer(groupName, channelName string, sid SessionID) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.producers[sid] = struct{}{}
	ch.mu.Unlock()
	return nil
}

func (qm *QueueManager) LeaveProducer(groupName, channelName string, sid SessionID) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	delete(ch.producers, sid)
	ch.mu.Unlock()
	return nil
}

//
// message lifecycle
//

func (ch *channel) decSignalLocked(id uint32) {
	n, ok := ch.signals[id]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(ch.signals, id)
		ch.mb.Free(id)
		ch.releaseAdmissionLocked(id)
		return
	}
	ch.signals[id] = n
}

// admitLocked records which quota (memory vs disk) a newly created
// message consumes, since MessageBuffer does not expose storage class
// after allocation — the channel tracks it itself via classOf.
func (ch *channel) admitLocked() (msgbuf.StorageClass, error) {
	if ch.countInMemory < int(ch.limits.MaxMessagesInMemory) {
		ch.countInMemory++
		metrics.MessagesInMemory.Inc()
		return msgbuf.ClassMemory, nil
	}
	if ch.countOnDisk < int(ch.limits.MaxMessagesOnDisk) {
		ch.countOnDisk++
		metrics.MessagesOnDisk.Inc()
		return msgbuf.ClassDisk, nil
	}
	return 0, simqerr.ExceedLimit("QueueManager.create")
}

// classTracker tracks which admission slot each live message id consumed,
// so release can give back the right quota.
type classTracker = map[uint32]msgbuf.StorageClass

func (ch *channel) releaseAdmissionLocked(id uint32) {
	class, ok := ch.classOf[id]
	if !ok {
		return
	}
	delete(ch.classOf, id)
	if class == msgbuf.ClassMemory {
		ch.countInMemory--
		metrics.MessagesInMemory.Dec()
	} else {
		ch.countOnDisk--
		metrics.MessagesOnDisk.Dec()
	}
}

func (qm *QueueManager) createCommon(groupName, channelName string, sid SessionID, length uint32) (*channel, uint32, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return nil, 0, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.producers[sid]; !ok {
		return nil, 0, simqerr.AccessDeny("QueueManager.create")
	}
	if length < ch.limits.MinMessageSize || length > ch.limits.MaxMessageSize {
		return nil, 0, simqerr.New(simqerr.KindWrongMessageSize, "QueueManager.create")
	}
	class, err := ch.admitLocked()
	if err != nil {
		return nil, 0, err
	}
	var id uint32
	if class == msgbuf.ClassMemory {
		id = ch.mb.AllocateMemory(length)
	} else {
		id = ch.mb.AllocateDisk(length)
	}
	if ch.classOf == nil {
		ch.classOf = make(classTracker)
	}
	ch.classOf[id] = class
	return ch, id, nil
}

// CreateForQueue generates a fresh UUID and allocates a message (queued
// delivery mode).
func (qm *QueueManager) CreateForQueue(groupName, channelName string, sid SessionID, length uint32) (uint32, string, error) {
	ch, id, err := qm.createCommon(groupName, channelName, sid, length)
	if err != nil {
		return 0, "", err
	}
	u := uuid.NewString()
	ch.mu.Lock()
	ch.byUUID[u] = id
	ch.dup.InsertUnique([]byte(u))
	ch.mu.Unlock()
	return id, u, nil
}

// CreateForBroadcast allocates a message with no UUID (broadcast mode).
func (qm *QueueManager) CreateForBroadcast(groupName, channelName string, sid SessionID, length uint32) (uint32, error) {
	_, id, err := qm.createCommon(groupName, channelName, sid, length)
	return id, err
}

// CreateForReplication allocates a message under a producer-supplied
// UUID, failing DuplicateUuid if already known — the cuckoofilter gives
// a fast negative-path answer before the authoritative map lookup.
func (qm *QueueManager) CreateForReplication(groupName, channelName string, sid SessionID, length uint32, u string) (uint32, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	if ch.dup.Lookup([]byte(u)) {
		if _, known := ch.byUUID[u]; known {
			ch.mu.Unlock()
			return 0, simqerr.DuplicateUUID("QueueManager.CreateForReplication", u)
		}
	}
	ch.mu.Unlock()

	_, id, err := qm.createCommon(groupName, channelName, sid, length)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	ch.byUUID[u] = id
	ch.dup.InsertUnique([]byte(u))
	ch.mu.Unlock()
	return id, nil
}

// RemoveMessageByID applies the §4.3 permission rules for cleanup by id.
func (qm *QueueManager) RemoveMessageByID(groupName, channelName string, sid SessionID, id uint32) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, isConsumer := ch.consumers[sid]; isConsumer {
		if _, pending := ch.signals[id]; pending {
			ch.decSignalLocked(id)
			return nil
		}
	}
	if _, isProducer := ch.producers[sid]; isProducer {
		if _, alreadyPushed := ch.signals[id]; !alreadyPushed {
			if !ch.inFifoLocked(id) {
				ch.mb.Free(id)
				ch.releaseAdmissionLocked(id)
			}
		}
	}
	return nil
}

// RemoveMessageByUUID removes a queued message from the FIFO by UUID and
// frees it — the consumer-side ack path for queued delivery.
func (qm *QueueManager) RemoveMessageByUUID(groupName, channelName string, sid SessionID, u string) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id, ok := ch.byUUID[u]
	if !ok {
		return nil // unknown uuid: idempotent no-op
	}
	for i, e := range ch.fifo {
		if e.id == id {
			ch.fifo = append(ch.fifo[:i], ch.fifo[i+1:]...)
			break
		}
	}
	delete(ch.byUUID, u)
	ch.mb.Free(id)
	ch.releaseAdmissionLocked(id)
	return nil
}

func (ch *channel) inFifoLocked(id uint32) bool {
	for _, e := range ch.fifo {
		if e.id == id {
			return true
		}
	}
	return false
}

// PushMessage publishes a created message: UUID-carrying messages are
// appended to the FIFO; UUID-less messages fan out to every joined
// consumer's pending list with signals[id] = consumer_count, freed
// immediately if there are no consumers.
func (qm *QueueManager) PushMessage(groupName, channelName string, sid SessionID, id uint32) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.producers[sid]; !ok {
		return simqerr.AccessDeny("QueueManager.PushMessage")
	}

	for u, mid := range ch.byUUID {
		if mid == id {
			ch.fifo = append(ch.fifo, pendingEntry{id: id, isUUID: true, uuid: u})
			return nil
		}
	}

	if len(ch.consumers) == 0 {
		ch.mb.Free(id)
		ch.releaseAdmissionLocked(id)
		return nil
	}
	ch.signals[id] = len(ch.consumers)
	for csid := range ch.consumers {
		ch.pending[csid] = append(ch.pending[csid], pendingEntry{id: id})
	}
	return nil
}

// PopMessage returns, in priority order, a pending broadcast message
// private to sid, else the channel FIFO head; id=0 means neither is
// available.
func (qm *QueueManager) PopMessage(groupName, channelName string, sid SessionID) (id uint32, length uint32, u string, err error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, 0, "", err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.consumers[sid]; !ok {
		return 0, 0, "", simqerr.AccessDeny("QueueManager.PopMessage")
	}

	if q := ch.pending[sid]; len(q) > 0 {
		e := q[0]
		ch.pending[sid] = q[1:]
		return e.id, ch.mb.Length(e.id), "", nil
	}
	if len(ch.fifo) > 0 {
		e := ch.fifo[0]
		ch.fifo = ch.fifo[1:]
		return e.id, ch.mb.Length(e.id), e.uuid, nil
	}
	return 0, 0, "", nil
}

// RevertMessage returns a queued message to the head of the FIFO, used
// on consumer-side error/disconnect.
func (qm *QueueManager) RevertMessage(groupName, channelName string, sid SessionID, id uint32) error {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var u string
	for uu, mid := range ch.byUUID {
		if mid == id {
			u = uu
			break
		}
	}
	ch.fifo = append([]pendingEntry{{id: id, isUUID: u != "", uuid: u}}, ch.fifo...)
	return nil
}

//
// transfer — delegate to MessageBuffer, with role checks
//

func (qm *QueueManager) Recv(groupName, channelName string, sid SessionID, id uint32, conn net.Conn) (int, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	_, ok := ch.producers[sid]
	ch.mu.Unlock()
	if !ok {
		return 0, simqerr.AccessDeny("QueueManager.Recv")
	}
	n, err := ch.mb.Recv(id, conn)
	if err == msgbuf.ErrIO {
		return n, simqerr.New(simqerr.KindSocket, "QueueManager.Recv")
	}
	return n, err
}

func (qm *QueueManager) Send(groupName, channelName string, sid SessionID, id uint32, conn net.Conn, offset uint32) (int, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	_, ok := ch.consumers[sid]
	ch.mu.Unlock()
	if !ok {
		return 0, simqerr.AccessDeny("QueueManager.Send")
	}
	n, err := ch.mb.Send(id, conn, offset)
	if err == msgbuf.ErrIO {
		return n, simqerr.New(simqerr.KindSocket, "QueueManager.Send")
	}
	return n, err
}

func (qm *QueueManager) Length(groupName, channelName string, id uint32) (uint32, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, err
	}
	return ch.mb.Length(id), nil
}

// WrLength returns a message's transfer progress, used by the session
// loop to decide when a "full part" boundary has been crossed.
func (qm *QueueManager) WrLength(groupName, channelName string, id uint32) (uint32, error) {
	ch, err := qm.channel(groupName, channelName)
	if err != nil {
		return 0, err
	}
	return ch.mb.WrLength(id), nil
}

//
// lookup
//

func (qm *QueueManager) group(name string) (*group, error) {
	qm.mu.RLock()
	g, ok := qm.groups[name]
	qm.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundGroup("QueueManager.group", name)
	}
	return g, nil
}

func (qm *QueueManager) channel(groupName, channelName string) (*channel, error) {
	g, err := qm.group(groupName)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	ch, ok := g.channels[channelName]
	g.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundChannel("QueueManager.channel", channelName)
	}
	return ch, nil
}
