// Package access implements Access: the four-level credential/session
// tree (root → group → channel → {consumer, producer}), §4.4. Each level
// owns an authenticated-sessions set keyed by a session id (the fd in
// the source; here the net.Conn-owning goroutine's Session id). Lock
// nesting is strictly outside-in (root → group → channel → user),
// mirrored on AIStore's core/meta entity-tree convention of a single
// RWMutex per tree node rather than one giant lock.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package access

import (
	"crypto/subtle"
	"sync"

	"github.com/simqio/simq/internal/dbg"
	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

// SessionID identifies a live, authenticated session (one per connection
// once past COMMON/RECV_AUTH).
type SessionID uint64

type userNode struct {
	mu       sync.RWMutex
	digest   store.Digest
	sessions map[SessionID]struct{}
}

func newUserNode(digest store.Digest) *userNode {
	return &userNode{digest: digest, sessions: make(map[SessionID]struct{})}
}

func (u *userNode) auth(digest store.Digest, sid SessionID) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if subtle.ConstantTimeCompare(u.digest[:], digest[:]) != 1 {
		return simqerr.WrongPassword("Access.auth")
	}
	if _, dup := u.sessions[sid]; dup {
		return simqerr.DuplicateSession("Access.auth")
	}
	u.sessions[sid] = struct{}{}
	return nil
}

func (u *userNode) logout(sid SessionID) {
	u.mu.Lock()
	delete(u.sessions, sid)
	u.mu.Unlock()
}

func (u *userNode) isAuthed(sid SessionID) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.sessions[sid]
	return ok
}

// invalidate drops every live session of this node — called after a
// password update (§4.4: "password updates of a user invalidate every
// live session of that user").
func (u *userNode) invalidate() {
	u.mu.Lock()
	u.sessions = make(map[SessionID]struct{})
	u.mu.Unlock()
}

func (u *userNode) setDigest(digest store.Digest) {
	u.mu.Lock()
	u.digest = digest
	u.mu.Unlock()
	u.invalidate()
}

type channelNode struct {
	mu        sync.RWMutex
	consumers map[string]*userNode
	producers map[string]*userNode
}

func newChannelNode() *channelNode {
	return &channelNode{consumers: make(map[string]*userNode), producers: make(map[string]*userNode)}
}

type groupNode struct {
	*userNode // group itself is authenticatable at its own level
	mu        sync.RWMutex
	channels  map[string]*channelNode
}

func newGroupNode(digest store.Digest) *groupNode {
	return &groupNode{userNode: newUserNode(digest), channels: make(map[string]*channelNode)}
}

// Access is the root of the four-level tree.
type Access struct {
	mu     sync.RWMutex
	groups map[string]*groupNode
}

func New() *Access {
	return &Access{groups: make(map[string]*groupNode)}
}

//
// topology — mirrors Store's add/remove surface; the applier (§4.9)
// calls these after the matching Store mutation succeeds.
//

func (a *Access) AddGroup(name string, digest store.Digest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.groups[name]; dup {
		return simqerr.DuplicateGroup("Access.AddGroup", name)
	}
	a.groups[name] = newGroupNode(digest)
	return nil
}

func (a *Access) UpdateGroupPassword(name string, digest store.Digest) error {
	g, err := a.group(name)
	if err != nil {
		return err
	}
	g.setDigest(digest)
	return nil
}

func (a *Access) RemoveGroup(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.groups, name)
	return nil
}

func (a *Access) AddChannel(group, channel string) error {
	g, err := a.group(group)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.channels[channel]; dup {
		return simqerr.DuplicateChannel("Access.AddChannel", channel)
	}
	g.channels[channel] = newChannelNode()
	return nil
}

func (a *Access) RemoveChannel(group, channel string) error {
	g, err := a.group(group)
	if err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.channels, channel)
	g.mu.Unlock()
	return nil
}

func (a *Access) AddConsumer(group, channel, login string, digest store.Digest) error {
	c, err := a.channel(group, channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.consumers[login]; dup {
		return simqerr.DuplicateConsumer("Access.AddConsumer", login)
	}
	c.consumers[login] = newUserNode(digest)
	return nil
}

func (a *Access) AddProducer(group, channel, login string, digest store.Digest) error {
	c, err := a.channel(group, channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.producers[login]; dup {
		return simqerr.DuplicateProducer("Access.AddProducer", login)
	}
	c.producers[login] = newUserNode(digest)
	return nil
}

func (a *Access) UpdateConsumerPassword(group, channel, login string, digest store.Digest) error {
	u, err := a.consumer(group, channel, login)
	if err != nil {
		return err
	}
	u.setDigest(digest)
	return nil
}

func (a *Access) UpdateProducerPassword(group, channel, login string, digest store.Digest) error {
	u, err := a.producer(group, channel, login)
	if err != nil {
		return err
	}
	u.setDigest(digest)
	return nil
}

func (a *Access) RemoveConsumer(group, channel, login string) error {
	c, err := a.channel(group, channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.consumers, login)
	c.mu.Unlock()
	return nil
}

func (a *Access) RemoveProducer(group, channel, login string) error {
	c, err := a.channel(group, channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.producers, login)
	c.mu.Unlock()
	return nil
}

//
// authentication
//

func (a *Access) AuthGroup(name string, digest store.Digest, sid SessionID) error {
	g, err := a.group(name)
	if err != nil {
		return err
	}
	return g.auth(digest, sid)
}

func (a *Access) AuthConsumer(group, channel, login string, digest store.Digest, sid SessionID) error {
	u, err := a.consumer(group, channel, login)
	if err != nil {
		return err
	}
	return u.auth(digest, sid)
}

func (a *Access) AuthProducer(group, channel, login string, digest store.Digest, sid SessionID) error {
	u, err := a.producer(group, channel, login)
	if err != nil {
		return err
	}
	return u.auth(digest, sid)
}

//
// logout — tolerant, no-op on missing (§4.4)
//

func (a *Access) LogoutGroup(name string, sid SessionID) {
	if g, err := a.group(name); err == nil {
		g.logout(sid)
	}
}

func (a *Access) LogoutConsumer(group, channel, login string, sid SessionID) {
	if u, err := a.consumer(group, channel, login); err == nil {
		u.logout(sid)
	}
}

func (a *Access) LogoutProducer(group, channel, login string, sid SessionID) {
	if u, err := a.producer(group, channel, login); err == nil {
		u.logout(sid)
	}
}

//
// authorization checks — confirm a session is live at the right level
//

func (a *Access) CheckGroup(name string, sid SessionID) error {
	g, err := a.group(name)
	if err != nil {
		return err
	}
	if !g.isAuthed(sid) {
		return simqerr.NotFoundSession("Access.CheckGroup")
	}
	return nil
}

func (a *Access) CheckConsumer(group, channel, login string, sid SessionID) error {
	u, err := a.consumer(group, channel, login)
	if err != nil {
		return err
	}
	if !u.isAuthed(sid) {
		return simqerr.NotFoundSession("Access.CheckConsumer")
	}
	return nil
}

func (a *Access) CheckProducer(group, channel, login string, sid SessionID) error {
	u, err := a.producer(group, channel, login)
	if err != nil {
		return err
	}
	if !u.isAuthed(sid) {
		return simqerr.NotFoundSession("Access.CheckProducer")
	}
	return nil
}

//
// tree traversal, outside-in lock nesting
//

func (a *Access) group(name string) (*groupNode, error) {
	a.mu.RLock()
	g, ok := a.groups[name]
	a.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundGroup("Access.group", name)
	}
	return g, nil
}

func (a *Access) channel(group, channel string) (*channelNode, error) {
	g, err := a.group(group)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	c, ok := g.channels[channel]
	g.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundChannel("Access.channel", channel)
	}
	return c, nil
}

func (a *Access) consumer(group, channel, login string) (*userNode, error) {
	c, err := a.channel(group, channel)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	u, ok := c.consumers[login]
	c.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundConsumer("Access.consumer", login)
	}
	dbg.Assert(u != nil, "nil consumer node")
	return u, nil
}

func (a *Access) producer(group, channel, login string) (*userNode, error) {
	c, err := a.channel(group, channel)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	u, ok := c.producers[login]
	c.mu.RUnlock()
	if !ok {
		return nil, simqerr.NotFoundProducer("Access.producer", login)
	}
	dbg.Assert(u != nil, "nil producer node")
	return u, nil
}
