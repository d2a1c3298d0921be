// Package manager implements the admin text UI (§6 "Admin UI surface"):
// a line-editor REPL walking the context-path
// /groups/<g>/<c>/{consumers,producers}/<u> and /settings, with commands
// ls/cd/add/rm/passwd/info/set/h. spec.md places this UI explicitly OUT
// of the core's scope ("external collaborator ... specified only by the
// interfaces the core uses") — it only ever calls Store's GetDirect*
// readers and mutates through Changes.PushDeferred, exactly like any
// other Changes producer; it never touches Access/QueueManager directly.
// Grounded on the teacher's cmd/cli line-reader shape (prompt, tokenize,
// dispatch-by-verb) adapted from AIStore's REST-resource addressing to
// SimQ's path segments.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package manager

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/config"
	"github.com/simqio/simq/internal/store"
)

// Manager is the REPL's state: the current context-path, split into
// segments the way the spec's "/groups/<g>/<c>/consumers/<u>" strings
// are shown to the operator.
type Manager struct {
	st   *store.Store
	ch   *changes.Changes
	path []string // e.g. []string{"groups", "g1", "c1", "consumers"}
}

func New(st *store.Store, ch *changes.Changes) *Manager {
	return &Manager{st: st, ch: ch}
}

// Run drives the REPL until EOF or a read error.
func (m *Manager) Run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "simq manager — type h for help")
	for {
		fmt.Fprintf(out, "%s> ", m.prompt())
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb, args := fields[0], fields[1:]
		if err := m.dispatch(verb, args, scanner, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func (m *Manager) prompt() string {
	if len(m.path) == 0 {
		return "/"
	}
	return "/" + strings.Join(m.path, "/")
}

func (m *Manager) dispatch(verb string, args []string, scanner *bufio.Scanner, out io.Writer) error {
	switch verb {
	case "h":
		m.help(out)
	case "ls":
		var query string
		if len(args) > 0 {
			query = args[0]
		}
		return m.ls(query, out)
	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd <path>")
		}
		return m.cd(args[0])
	case "add":
		if len(args) != 1 {
			return fmt.Errorf("usage: add <name>")
		}
		return m.add(args[0], scanner, out)
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm <name>")
		}
		return m.rm(args[0])
	case "passwd":
		return m.passwd(scanner, out)
	case "info":
		var query string
		if len(args) > 0 {
			query = args[0]
		}
		return m.info(query, out)
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		return m.set(args[0], args[1])
	default:
		return fmt.Errorf("unknown command %q (h for help)", verb)
	}
	return nil
}

func (m *Manager) help(out io.Writer) {
	fmt.Fprintln(out, `commands:
  ls [query]        list children of the current path
  cd <path>         change path (.. goes up, / is root)
  add <name>        create group/channel/user under the current path
  rm <name>         remove the named child
  passwd            change the password of the entity at the current path
  info [query]      show limits/settings at the current path
  set <key> <value> set a setting or channel limit
  h                 this help`)
}

//
// navigation
//

func (m *Manager) ls(query string, out io.Writer) error {
	names, err := m.children()
	if err != nil {
		return err
	}
	for _, n := range names {
		if query != "" && !strings.Contains(n, query) {
			continue
		}
		fmt.Fprintln(out, n)
	}
	return nil
}

func (m *Manager) children() ([]string, error) {
	switch len(m.path) {
	case 0:
		return []string{"groups", "settings"}, nil
	case 1:
		if m.path[0] == "groups" {
			return m.st.GetDirectGroups()
		}
		return nil, fmt.Errorf("nothing to list here")
	case 2: // /groups/<g> -> channels
		return m.st.GetDirectChannels(m.path[1])
	case 3: // /groups/<g>/<c> -> consumers, producers
		return []string{"consumers", "producers"}, nil
	case 4: // /groups/<g>/<c>/{consumers,producers} -> users
		if m.path[3] == "consumers" {
			return m.st.GetDirectConsumers(m.path[1], m.path[2])
		}
		return m.st.GetDirectProducers(m.path[1], m.path[2])
	default:
		return nil, fmt.Errorf("nothing to list here")
	}
}

func (m *Manager) cd(to string) error {
	if to == "/" {
		m.path = nil
		return nil
	}
	if to == ".." {
		if len(m.path) > 0 {
			m.path = m.path[:len(m.path)-1]
		}
		return nil
	}
	segs := strings.Split(strings.Trim(to, "/"), "/")
	if strings.HasPrefix(to, "/") {
		m.path = segs
	} else {
		m.path = append(append([]string{}, m.path...), segs...)
	}
	return nil
}

//
// mutation — every branch ends in a single PushDeferred (§6: "mutates
// only through Changes"); the applier is the sole writer of Store.
//

func (m *Manager) add(name string, scanner *bufio.Scanner, out io.Writer) error {
	switch len(m.path) {
	case 1: // /groups -> add group
		digest, err := readPassword(scanner, out)
		if err != nil {
			return err
		}
		return m.ch.PushDeferred(changes.Change{Kind: changes.AddGroup, Initiator: changes.InitiatorRoot, Identity: "manager", Group: name, Digest: digest})
	case 2: // /groups/<g> -> add channel (default limits; tune via set)
		limits := store.ChannelLimits{MinMessageSize: 1, MaxMessageSize: 1 << 20, MaxMessagesInMemory: 1024, MaxMessagesOnDisk: 1024}
		return m.ch.PushDeferred(changes.Change{Kind: changes.AddChannel, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: name, Limits: limits})
	case 4: // /groups/<g>/<c>/{consumers,producers} -> add user
		digest, err := readPassword(scanner, out)
		if err != nil {
			return err
		}
		kind := changes.AddConsumer
		if m.path[3] == "producers" {
			kind = changes.AddProducer
		}
		return m.ch.PushDeferred(changes.Change{Kind: kind, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: m.path[2], Login: name, Digest: digest})
	default:
		return fmt.Errorf("cannot add here")
	}
}

func (m *Manager) rm(name string) error {
	switch len(m.path) {
	case 1:
		return m.ch.PushDeferred(changes.Change{Kind: changes.RemoveGroup, Initiator: changes.InitiatorRoot, Identity: "manager", Group: name})
	case 2:
		return m.ch.PushDeferred(changes.Change{Kind: changes.RemoveChannel, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: name})
	case 4:
		kind := changes.RemoveConsumer
		if m.path[3] == "producers" {
			kind = changes.RemoveProducer
		}
		return m.ch.PushDeferred(changes.Change{Kind: kind, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: m.path[2], Login: name})
	default:
		return fmt.Errorf("cannot remove here")
	}
}

func (m *Manager) passwd(scanner *bufio.Scanner, out io.Writer) error {
	digest, err := readPassword(scanner, out)
	if err != nil {
		return err
	}
	switch len(m.path) {
	case 2: // /groups/<g>
		return m.ch.PushDeferred(changes.Change{Kind: changes.UpdateGroupPassword, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Digest: digest})
	case 5: // /groups/<g>/<c>/{consumers,producers}/<u>
		kind := changes.UpdateConsumerPassword
		if m.path[3] == "producers" {
			kind = changes.UpdateProducerPassword
		}
		return m.ch.PushDeferred(changes.Change{Kind: kind, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: m.path[2], Login: m.path[4], Digest: digest})
	default:
		return fmt.Errorf("passwd only applies to a group or a user")
	}
}

func readPassword(scanner *bufio.Scanner, out io.Writer) (store.Digest, error) {
	fmt.Fprint(out, "password: ")
	if !scanner.Scan() {
		return store.Digest{}, io.EOF
	}
	return store.Compute([]byte(scanner.Text())), nil
}

//
// info / set
//

func (m *Manager) info(query string, out io.Writer) error {
	switch {
	case len(m.path) == 1 && m.path[0] == "settings":
		s := m.st.GetSettings()
		fmt.Fprintf(out, "port=%d\ncount_threads=%d\n", s.Port, s.CountThreads)
	case len(m.path) == 3: // /groups/<g>/<c>
		limits, err := m.st.GetChannelLimits(m.path[1], m.path[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "minMessageSize=%d\nmaxMessageSize=%d\nmaxMessagesInMemory=%d\nmaxMessagesOnDisk=%d\n",
			limits.MinMessageSize, limits.MaxMessageSize, limits.MaxMessagesInMemory, limits.MaxMessagesOnDisk)
	default:
		return fmt.Errorf("info only applies to /settings or a channel")
	}
	_ = query
	return nil
}

func (m *Manager) set(key, value string) error {
	if len(m.path) == 1 && m.path[0] == "settings" {
		return m.setSetting(key, value)
	}
	if len(m.path) == 3 {
		return m.setLimit(key, value)
	}
	return fmt.Errorf("set only applies to /settings or a channel")
}

func (m *Manager) setSetting(key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	switch key {
	case "port":
		return m.ch.PushDeferred(changes.Change{Kind: changes.UpdatePort, Initiator: changes.InitiatorRoot, Identity: "manager", Port: uint16(config.ClampPort(n))})
	case "count_threads":
		return m.ch.PushDeferred(changes.Change{Kind: changes.UpdateCountThreads, Initiator: changes.InitiatorRoot, Identity: "manager", Count: uint16(config.ClampCountThreads(n))})
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func (m *Manager) setLimit(key, value string) error {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	limits, err := m.st.GetChannelLimits(m.path[1], m.path[2])
	if err != nil {
		return err
	}
	switch key {
	case "minMessageSize":
		limits.MinMessageSize = uint32(n)
	case "maxMessageSize":
		limits.MaxMessageSize = uint32(n)
	case "maxMessagesInMemory":
		limits.MaxMessagesInMemory = uint32(n)
	case "maxMessagesOnDisk":
		limits.MaxMessagesOnDisk = uint32(n)
	default:
		return fmt.Errorf("unknown limit %q", key)
	}
	return m.ch.PushDeferred(changes.Change{Kind: changes.UpdateChannelLimits, Initiator: changes.InitiatorRoot, Identity: "manager", Group: m.path[1], Channel: m.path[2], Limits: limits})
}
