package sync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format: every frame starts with a uvarint message type tag.
//
//	0 = sync      (sub-tagged: 0 = step1 state vector, 1 = step2 diff,
//	               2 = incremental update; payload length-prefixed)
//	1 = awareness (uvarint entry count, then per entry: client id,
//	               uvarint flag 0=state/1=tombstone, payload if state)
//
// Decoding is a strict forward-only parse; anything unexpected is an
// ErrMalformedFrame and costs the sender its connection.
const (
	messageSync      = 0
	messageAwareness = 1

	syncStep1  = 0
	syncStep2  = 1
	syncUpdate = 2
)

var ErrMalformedFrame = errors.New("malformed sync frame")

// Message is the decoded form of one wire frame.
type Message interface {
	isMessage()
}

// SyncStep1 carries a peer's state vector; the receiver answers with a
// SyncStep2 holding everything the vector is missing.
type SyncStep1 struct {
	StateVector []byte
}

// SyncStep2 carries the diff computed from a SyncStep1.
type SyncStep2 struct {
	Update []byte
}

// SyncUpdate carries one incremental CRDT delta.
type SyncUpdate struct {
	Update []byte
}

// AwarenessEntry is one client's presence state, or its removal when
// Tombstone is set.
type AwarenessEntry struct {
	ClientID  string
	State     []byte
	Tombstone bool
}

// Awareness carries a batch of presence entries.
type Awareness struct {
	Entries []AwarenessEntry
}

func (SyncStep1) isMessage() {}
func (SyncStep2) isMessage() {}
func (SyncUpdate) isMessage() {}
func (Awareness) isMessage()  {}

// EncodeMessage renders a message to its wire frame.
func EncodeMessage(m Message) []byte {
	var buf []byte
	switch msg := m.(type) {
	case SyncStep1:
		buf = binary.AppendUvarint(buf, messageSync)
		buf = binary.AppendUvarint(buf, syncStep1)
		buf = appendBytes(buf, msg.StateVector)
	case SyncStep2:
		buf = binary.AppendUvarint(buf, messageSync)
		buf = binary.AppendUvarint(buf, syncStep2)
		buf = appendBytes(buf, msg.Update)
	case SyncUpdate:
		buf = binary.AppendUvarint(buf, messageSync)
		buf = binary.AppendUvarint(buf, syncUpdate)
		buf = appendBytes(buf, msg.Update)
	case Awareness:
		buf = binary.AppendUvarint(buf, messageAwareness)
		buf = binary.AppendUvarint(buf, uint64(len(msg.Entries)))
		for _, e := range msg.Entries {
			buf = appendBytes(buf, []byte(e.ClientID))
			if e.Tombstone {
				buf = binary.AppendUvarint(buf, 1)
			} else {
				buf = binary.AppendUvarint(buf, 0)
				buf = appendBytes(buf, e.State)
			}
		}
	default:
		panic(fmt.Sprintf("sync: unknown message type %T", m))
	}
	return buf
}

// DecodeMessage parses one wire frame. Trailing bytes after a complete
// message are rejected.
func DecodeMessage(frame []byte) (Message, error) {
	r := bytes.NewReader(frame)
	tag, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)
	}

	var msg Message
	switch tag {
	case messageSync:
		sub, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: missing sync subtype", ErrMalformedFrame)
		}
		payload, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		switch sub {
		case syncStep1:
			msg = SyncStep1{StateVector: payload}
		case syncStep2:
			msg = SyncStep2{Update: payload}
		case syncUpdate:
			msg = SyncUpdate{Update: payload}
		default:
			return nil, fmt.Errorf("%w: sync subtype %d", ErrMalformedFrame, sub)
		}
	case messageAwareness:
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: missing awareness count", ErrMalformedFrame)
		}
		if count > uint64(r.Len()) {
			// Each entry needs at least one byte; a count beyond the
			// remaining payload cannot be honest.
			return nil, fmt.Errorf("%w: awareness count %d exceeds frame", ErrMalformedFrame, count)
		}
		entries := make([]AwarenessEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			id, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			flag, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("%w: missing awareness flag", ErrMalformedFrame)
			}
			entry := AwarenessEntry{ClientID: string(id)}
			switch flag {
			case 0:
				state, err := readBytes(r)
				if err != nil {
					return nil, err
				}
				entry.State = state
			case 1:
				entry.Tombstone = true
			default:
				return nil, fmt.Errorf("%w: awareness flag %d", ErrMalformedFrame, flag)
			}
			entries = append(entries, entry)
		}
		msg = Awareness{Entries: entries}
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedFrame, tag)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.Len())
	}
	return msg, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing length prefix", ErrMalformedFrame)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds frame", ErrMalformedFrame, n)
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
		}
	}
	return out, nil
}
