// Package wire implements Protocol (§4.5/§6): framing, parsing, and
// serializing of wire packets. Frame shape: u16 command, u16
// param_count, then param_count parameters each as u32 length + bytes,
// all big-endian. Grounded on the teacher's transport/pdu.go header
// framing (fixed-width header fields read with encoding/binary,
// followed by a variable-length payload whose length the header gives);
// SimQ's frame is simpler (no flags/object-attrs) so it is expressed
// directly over encoding/binary rather than adapting pdu's full header
// struct.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/simqio/simq/internal/simqerr"
	"github.com/simqio/simq/internal/store"
)

// Command tags, enumerated per §4.6's role tables.
type Command uint16

const (
	CmdCheckSecure Command = iota + 1
	CmdGetVersion
	CmdAuthGroup
	CmdAuthConsumer
	CmdAuthProducer

	CmdUpdateOwnPassword
	CmdListChannels
	CmdListConsumers
	CmdListProducers
	CmdGetChannelLimits
	CmdSetChannelLimits
	CmdAddChannel
	CmdRemoveChannel
	CmdAddConsumer
	CmdAddProducer
	CmdUpdateConsumerPassword
	CmdUpdateProducerPassword
	CmdRemoveConsumer
	CmdRemoveProducer

	CmdPopMessage
	CmdRemoveMessage
	CmdRevertMessage

	CmdPushMessage
	CmdPushPublicMessage
	CmdPushReplicaMessage

	CmdDisconnect

	// response-only tags, never sent by a client
	CmdOK
	CmdError
	CmdVersion
	CmdStringList
	CmdMessageMeta
)

// ProtocolVersion is the single monotone version integer (§4.5).
const ProtocolVersion uint32 = 1_000_001

// MaxParamLen bounds a single parameter's declared length, guarding
// against a hostile length prefix forcing an enormous allocation before
// any byte of the parameter itself has been read.
const MaxParamLen = 1 << 20

// MaxParamCount bounds param_count for the same reason.
const MaxParamCount = 64

// Packet is a parsed frame: a command tag plus its ordered parameters.
type Packet struct {
	Cmd    Command
	Params [][]byte
}

// Param returns the i'th parameter, or nil if absent.
func (p *Packet) Param(i int) []byte {
	if i < 0 || i >= len(p.Params) {
		return nil
	}
	return p.Params[i]
}

func (p *Packet) ParamString(i int) string { return string(p.Param(i)) }

func (p *Packet) ParamDigest(i int) (d store.Digest) {
	copy(d[:], p.Param(i))
	return d
}

func (p *Packet) ParamUint32(i int) uint32 {
	b := p.Param(i)
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Recv blocks (subject to conn's read deadline, set by the caller) until
// a full frame has been read, or returns a typed error. Unlike the
// source's accumulate-into-scratch, non-blocking recv/is_received pair,
// Go's net.Conn lets a single goroutine block on ReadFull directly; the
// deadline the session controller sets before calling Recv is what
// turns this into the same "don't block forever" discipline.
func Recv(r io.Reader) (*Packet, error) {
	br := bufio.NewReaderSize(r, 512)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, wrapIOErr(err)
	}
	cmd := Command(binary.BigEndian.Uint16(hdr[0:2]))
	count := binary.BigEndian.Uint16(hdr[2:4])
	if count > MaxParamCount {
		return nil, simqerr.New(simqerr.KindWrongCmd, "wire.Recv", "param_count too large")
	}
	params := make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		var lb [4]byte
		if _, err := io.ReadFull(br, lb[:]); err != nil {
			return nil, wrapIOErr(err)
		}
		n := binary.BigEndian.Uint32(lb[:])
		if n > MaxParamLen {
			return nil, simqerr.New(simqerr.KindWrongParam, "wire.Recv", "parameter too large")
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, wrapIOErr(err)
			}
		}
		params = append(params, buf)
	}
	return &Packet{Cmd: cmd, Params: params}, nil
}

func wrapIOErr(err error) error {
	if err == io.EOF {
		return err
	}
	return simqerr.New(simqerr.KindSocket, "wire.Recv", err.Error())
}

//
// serializers — each returns the encoded frame ready for conn.Write
//

func frame(cmd Command, params ...[]byte) []byte {
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

func PrepareOK() []byte { return frame(CmdOK) }

func PrepareError(description string) []byte {
	return frame(CmdError, []byte(description))
}

func PrepareVersion(v uint32) []byte {
	vb := make([]byte, 4)
	binary.BigEndian.PutUint32(vb, v)
	return frame(CmdVersion, vb)
}

func PrepareStringList(items []string) []byte {
	params := make([][]byte, len(items))
	for i, s := range items {
		params[i] = []byte(s)
	}
	return frame(CmdStringList, params...)
}

// PrepareMessageMeta returns message_meta: length, and uuid if non-empty
// (queued delivery returns the UUID; broadcast/direct delivery omits it,
// per §4.6's "returning the UUID for queued messages").
func PrepareMessageMeta(length uint32, uuid string) []byte {
	lb := make([]byte, 4)
	binary.BigEndian.PutUint32(lb, length)
	if uuid == "" {
		return frame(CmdMessageMeta, lb)
	}
	return frame(CmdMessageMeta, lb, []byte(uuid))
}

// Send writes an already-encoded frame to w in one call; small enough
// (control frames only — message bodies go through msgbuf.Send/Recv
// directly) that partial-write looping is the only concern.
func Send(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	if err != nil {
		return simqerr.New(simqerr.KindSocket, "wire.Send", err.Error())
	}
	return nil
}

// IsWouldBlock mirrors msgbuf's helper for conn deadlines reached mid-frame.
func IsWouldBlock(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
