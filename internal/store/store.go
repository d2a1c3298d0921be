// Package store implements Store: the durable directory/KV layout for
// channel limits, group/channel/user credentials, and server settings
// (§4.8). Settings and credentials are kept in an embedded buntdb
// database (store.db) rather than one-file-per-value, which is the
// teacher's own move in cmd/authn (fname.AuthNDB) and volume (versioned,
// checksummed metadata records) — both traded "one tiny file per field"
// for a single embedded KV a while back. A parallel marker-file tree
// under .markers/ mirrors the logical group/channel/user hierarchy from
// §4.8's ASCII layout and is cross-checked against store.db at boot via
// a godirwalk scan, so the on-disk shape described in the spec remains
// visible and auditable even though buntdb is the actual source of
// truth.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/simqio/simq/internal/config"
	"github.com/simqio/simq/internal/nlog"
	"github.com/simqio/simq/internal/simqerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var nameRe = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// ValidName reports whether name satisfies the group/channel/user naming
// rule (§3: "unique name (≤32 chars, [A-Za-z0-9])").
func ValidName(name string) bool { return nameRe.MatchString(name) }

type ChannelLimits struct {
	MinMessageSize      uint32
	MaxMessageSize      uint32
	MaxMessagesInMemory uint32
	MaxMessagesOnDisk   uint32
}

// Validate checks §3's channel invariants, returning WrongChannelLimits
// if violated.
func (l ChannelLimits) Validate() error {
	if l.MinMessageSize < 1 || l.MinMessageSize > l.MaxMessageSize {
		return simqerr.New(simqerr.KindWrongChannelLimits, "ChannelLimits.Validate", "1 <= min <= max")
	}
	total := uint64(l.MaxMessagesInMemory) + uint64(l.MaxMessagesOnDisk)
	if total > (1<<32)-1 {
		return simqerr.New(simqerr.KindWrongChannelLimits, "ChannelLimits.Validate", "memory+disk <= 2^32-1")
	}
	if total == 0 {
		return simqerr.New(simqerr.KindWrongChannelLimits, "ChannelLimits.Validate", "memory+disk > 0")
	}
	return nil
}

// repair clamps an out-of-range ChannelLimits into the §3 invariants,
// mirroring Store's boot-time repair of settings.
func (l ChannelLimits) repair() ChannelLimits {
	if l.MinMessageSize < 1 {
		l.MinMessageSize = 1
	}
	if l.MaxMessageSize < l.MinMessageSize {
		l.MaxMessageSize = l.MinMessageSize
	}
	if l.MaxMessagesInMemory == 0 && l.MaxMessagesOnDisk == 0 {
		l.MaxMessagesInMemory = 1
	}
	return l
}

type Settings struct {
	CountThreads         uint16
	Port                 uint16
	MasterPasswordDigest Digest
}

type credential struct {
	PasswordDigest Digest
}

// Store is the durable layout root.
type Store struct {
	root string
	db   *buntdb.DB

	mu       sync.RWMutex
	settings Settings
}

// Open opens (creating if necessary) the store rooted at root, then
// validates and repairs settings per §4.8's boot rules.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: mkdir root")
	}
	db, err := buntdb.Open(filepath.Join(root, dbFile))
	if err != nil {
		return nil, errors.Wrap(err, "store: open db")
	}
	s := &Store{root: root, db: db}
	if err := s.bootValidateSettings(); err != nil {
		db.Close()
		return nil, err
	}
	s.auditMarkers()
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Root() string { return s.root }

//
// settings
//

const settingsKey = "settings"

func (s *Store) bootValidateSettings() error {
	var st Settings
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(settingsKey)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &st)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		st = Settings{
			CountThreads: uint16(config.ClampCountThreads(int(config.Get().CountThreads))),
			Port:         config.DefaultPort,
		}
	} else if err != nil {
		return errors.Wrap(err, "store: load settings")
	}

	st.CountThreads = uint16(config.ClampCountThreads(int(st.CountThreads)))
	st.Port = config.ClampPort(int(st.Port))

	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
	return s.persistSettings(st)
}

func (s *Store) persistSettings(st Settings) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(settingsKey, string(buf), nil)
		return err
	})
}

// GetSettings is the lock-protected accessor used by the running server.
func (s *Store) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) GetPort() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Port
}

func (s *Store) GetMasterPasswordDigest() Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.MasterPasswordDigest
}

func (s *Store) UpdatePort(port uint16) error {
	s.mu.Lock()
	s.settings.Port = config.ClampPort(int(port))
	st := s.settings
	s.mu.Unlock()
	return s.persistSettings(st)
}

func (s *Store) UpdateCountThreads(n uint16) error {
	s.mu.Lock()
	s.settings.CountThreads = uint16(config.ClampCountThreads(int(n)))
	st := s.settings
	s.mu.Unlock()
	return s.persistSettings(st)
}

func (s *Store) UpdateMasterPassword(digest Digest) error {
	s.mu.Lock()
	s.settings.MasterPasswordDigest = digest
	st := s.settings
	s.mu.Unlock()
	return s.persistSettings(st)
}

//
// groups
//

func groupKey(g string) string { return "group:" + g }

func (s *Store) AddGroup(name string, digest Digest) error {
	if !ValidName(name) {
		return simqerr.New(simqerr.KindWrongParam, "Store.AddGroup", "invalid name")
	}
	key := groupKey(name)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return simqerr.DuplicateGroup("Store.AddGroup", name)
		}
		buf, _ := json.Marshal(credential{PasswordDigest: digest})
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.touchMarker(true, groupMarker, name)
	return nil
}

func (s *Store) UpdateGroupPassword(name string, digest Digest) error {
	return s.updateCredential(groupKey(name), digest, simqerr.NotFoundGroup("Store.UpdateGroupPassword", name))
}

func (s *Store) RemoveGroup(name string) error {
	if err := s.deleteExact(groupKey(name)); err != nil {
		return err
	}
	s.deleteByPrefix(fmt.Sprintf("channel:%s:", name))
	s.deleteByPrefix(fmt.Sprintf("consumer:%s:", name))
	s.deleteByPrefix(fmt.Sprintf("producer:%s:", name))
	s.touchMarker(false, groupMarker, name)
	return nil
}

func (s *Store) GetGroupPasswordDigest(name string) (Digest, error) {
	c, err := s.getCredential(groupKey(name))
	if err != nil {
		return Digest{}, simqerr.NotFoundGroup("Store.GetGroupPasswordDigest", name)
	}
	return c.PasswordDigest, nil
}

//
// channels
//

func channelKey(g, c string) string { return fmt.Sprintf("channel:%s:%s", g, c) }

func (s *Store) AddChannel(group, channel string, limits ChannelLimits) error {
	if !ValidName(channel) {
		return simqerr.New(simqerr.KindWrongParam, "Store.AddChannel", "invalid name")
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	if _, err := s.GetGroupPasswordDigest(group); err != nil {
		return err
	}
	key := channelKey(group, channel)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return simqerr.DuplicateChannel("Store.AddChannel", channel)
		}
		buf, _ := json.Marshal(limits)
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ContentFilePath(s.root, group, channel)), 0o755); err != nil {
		return errors.Wrap(err, "store: mkdir channel dir")
	}
	s.touchMarker(true, channelMarker, group, channel)
	return nil
}

func (s *Store) UpdateChannelLimits(group, channel string, limits ChannelLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	key := channelKey(group, channel)
	buf, _ := json.Marshal(limits)
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err != nil {
			return simqerr.NotFoundChannel("Store.UpdateChannelLimits", channel)
		}
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
}

func (s *Store) RemoveChannel(group, channel string) error {
	if err := s.deleteExact(channelKey(group, channel)); err != nil {
		return err
	}
	s.deleteByPrefix(fmt.Sprintf("consumer:%s:%s:", group, channel))
	s.deleteByPrefix(fmt.Sprintf("producer:%s:%s:", group, channel))
	s.touchMarker(false, channelMarker, group, channel)
	return nil
}

func (s *Store) GetChannelLimits(group, channel string) (ChannelLimits, error) {
	var limits ChannelLimits
	key := channelKey(group, channel)
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return simqerr.NotFoundChannel("Store.GetChannelLimits", channel)
		}
		return json.Unmarshal([]byte(v), &limits)
	})
	return limits, err
}

//
// consumers / producers
//

func userKey(role, g, c, u string) string { return fmt.Sprintf("%s:%s:%s:%s", role, g, c, u) }

func (s *Store) addUser(role, group, channel, login string, digest Digest) error {
	if !ValidName(login) {
		return simqerr.New(simqerr.KindWrongParam, "Store.AddUser", "invalid name")
	}
	if _, err := s.GetChannelLimits(group, channel); err != nil {
		return err
	}
	key := userKey(role, group, channel, login)
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			if role == consumerMkr {
				return simqerr.DuplicateConsumer("Store.AddUser", login)
			}
			return simqerr.DuplicateProducer("Store.AddUser", login)
		}
		buf, _ := json.Marshal(credential{PasswordDigest: digest})
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
}

func (s *Store) AddConsumer(group, channel, login string, digest Digest) error {
	if err := s.addUser(consumerMkr, group, channel, login, digest); err != nil {
		return err
	}
	s.touchMarker(true, consumerMkr, group, channel, login)
	return nil
}

func (s *Store) AddProducer(group, channel, login string, digest Digest) error {
	if err := s.addUser(producerMkr, group, channel, login, digest); err != nil {
		return err
	}
	s.touchMarker(true, producerMkr, group, channel, login)
	return nil
}

func (s *Store) UpdateConsumerPassword(group, channel, login string, digest Digest) error {
	return s.updateCredential(userKey(consumerMkr, group, channel, login), digest,
		simqerr.NotFoundConsumer("Store.UpdateConsumerPassword", login))
}

func (s *Store) UpdateProducerPassword(group, channel, login string, digest Digest) error {
	return s.updateCredential(userKey(producerMkr, group, channel, login), digest,
		simqerr.NotFoundProducer("Store.UpdateProducerPassword", login))
}

func (s *Store) RemoveConsumer(group, channel, login string) error {
	if err := s.deleteExact(userKey(consumerMkr, group, channel, login)); err != nil {
		return err
	}
	s.touchMarker(false, consumerMkr, group, channel, login)
	return nil
}

func (s *Store) RemoveProducer(group, channel, login string) error {
	if err := s.deleteExact(userKey(producerMkr, group, channel, login)); err != nil {
		return err
	}
	s.touchMarker(false, producerMkr, group, channel, login)
	return nil
}

func (s *Store) GetConsumerPasswordDigest(group, channel, login string) (Digest, error) {
	c, err := s.getCredential(userKey(consumerMkr, group, channel, login))
	if err != nil {
		return Digest{}, simqerr.NotFoundConsumer("Store.GetConsumerPasswordDigest", login)
	}
	return c.PasswordDigest, nil
}

func (s *Store) GetProducerPasswordDigest(group, channel, login string) (Digest, error) {
	c, err := s.getCredential(userKey(producerMkr, group, channel, login))
	if err != nil {
		return Digest{}, simqerr.NotFoundProducer("Store.GetProducerPasswordDigest", login)
	}
	return c.PasswordDigest, nil
}

//
// listing (GetDirect* — read fresh, no server-side lock, for the admin UI)
//

func (s *Store) listByPrefix(prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			names = append(names, key[len(prefix):])
			return true
		})
	})
	return names, err
}

func (s *Store) GetDirectGroups() ([]string, error) { return s.listByPrefix("group:") }

func (s *Store) GetDirectChannels(group string) ([]string, error) {
	return s.listByPrefix(fmt.Sprintf("channel:%s:", group))
}

func (s *Store) GetDirectConsumers(group, channel string) ([]string, error) {
	return s.listByPrefix(fmt.Sprintf("consumer:%s:%s:", group, channel))
}

func (s *Store) GetDirectProducers(group, channel string) ([]string, error) {
	return s.listByPrefix(fmt.Sprintf("producer:%s:%s:", group, channel))
}

//
// low-level helpers
//

func (s *Store) getCredential(key string) (credential, error) {
	var c credential
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &c)
	})
	return c, err
}

func (s *Store) updateCredential(key string, digest Digest, notFound error) error {
	buf, _ := json.Marshal(credential{PasswordDigest: digest})
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err != nil {
			return notFound
		}
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
}

// deleteExact removes a single key (a group/channel/user record).
// Idempotent: removing an already-absent key is not an error, per §4.3's
// "unknown ids/uuids are ignored" cleanup discipline extended to Store.
func (s *Store) deleteExact(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		return nil
	})
}

// deleteByPrefix removes every key matching prefix+"*" — used only for
// cascading deletes where prefix already ends in a separator that no
// sibling name can share (e.g. "consumer:G:C:"), so it cannot spill over
// into an unrelated group/channel/user.
func (s *Store) deleteByPrefix(prefix string) {
	var keys []string
	s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if len(keys) == 0 {
		return
	}
	s.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			tx.Delete(k)
		}
		return nil
	})
}

func (s *Store) keyExists(key string) bool {
	found := false
	s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(key)
		found = err == nil
		return nil
	})
	return found
}

//
// marker tree + boot audit (godirwalk)
//

func (s *Store) touchMarker(create bool, parts ...string) {
	path := markerPath(s.root, parts...)
	if create {
		os.MkdirAll(filepath.Dir(path), 0o755)
		f, err := os.Create(path)
		if err == nil {
			f.Close()
		}
	} else {
		os.RemoveAll(path)
	}
}

// auditMarkers walks .markers/ at boot and logs (does not fail boot on)
// any path whose corresponding store.db key is missing — a drift check
// between the logical §4.8 directory layout and the embedded KV that
// actually backs it.
func (s *Store) auditMarkers() {
	root := markerPath(s.root)
	if _, err := os.Stat(root); err != nil {
		return
	}
	_ = godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			if !s.markerHasKey(rel) {
				nlog.Warningf("store: marker %q has no matching store.db record", rel)
			}
			return nil
		},
		Unsorted: true,
	})
}

func (s *Store) markerHasKey(rel string) bool {
	segs := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(segs) == 2 && segs[0] == groupMarker:
		return s.keyExists(groupKey(segs[1]))
	case len(segs) == 3 && segs[0] == channelMarker:
		return s.keyExists(channelKey(segs[1], segs[2]))
	case len(segs) == 4 && (segs[0] == consumerMkr || segs[0] == producerMkr):
		return s.keyExists(userKey(segs[0], segs[1], segs[2], segs[3]))
	default:
		return true
	}
}
