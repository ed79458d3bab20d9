// Package wire encodes gossip envelopes and their payloads. Payloads
// are protobuf wire format built directly with protowire; every frame
// carries a length + crc32 header so corrupt frames are rejected
// before any field is parsed.
package wire

import (
	"errors"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"meshdex/domain/book"
	"meshdex/domain/order"
	"meshdex/shard"
)

var (
	ErrCorruptFrame = errors.New("wire: corrupt frame")
	ErrBadMessage   = errors.New("wire: malformed message")
)

type Kind uint8

const (
	KindDeltas Kind = iota + 1
	KindDigest
	KindSwapPropose
	KindSwapAccept
	KindSwapLock
	KindSwapAck
)

// Envelope is the opaque signed unit the transport carries: a batch
// of deltas, an anti-entropy digest or a swap handshake message,
// signed by the sending node.
type Envelope struct {
	Kind      Kind
	From      order.NodeID
	Payload   []byte
	Signature []byte
}

// SignBytes is the byte form covered by the envelope signature.
func (e *Envelope) SignBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, string(e.From))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// EncodeEnvelope frames an envelope: [len:4][crc32:4][body].
func EncodeEnvelope(e *Envelope) []byte {
	body := e.SignBytes()
	body = protowire.AppendTag(body, 4, protowire.BytesType)
	body = protowire.AppendBytes(body, e.Signature)

	out := make([]byte, 8, 8+len(body))
	putUint32LE(out[:4], uint32(len(body)))
	putUint32LE(out[4:], crc32.ChecksumIEEE(body))
	return append(out, body...)
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < 8 {
		return nil, ErrCorruptFrame
	}
	size := readUint32LE(data[:4])
	body := data[8:]
	if uint32(len(body)) != size {
		return nil, ErrCorruptFrame
	}
	if crc32.ChecksumIEEE(body) != readUint32LE(data[4:8]) {
		return nil, ErrCorruptFrame
	}

	e := &Envelope{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, ErrBadMessage
		}
		body = body[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, ErrBadMessage
			}
			e.Kind = Kind(v)
			body = body[n:]
		case 2:
			v, n := protowire.ConsumeString(body)
			if n < 0 {
				return nil, ErrBadMessage
			}
			e.From = order.NodeID(v)
			body = body[n:]
		case 3:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, ErrBadMessage
			}
			e.Payload = append([]byte(nil), v...)
			body = body[n:]
		case 4:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, ErrBadMessage
			}
			e.Signature = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, ErrBadMessage
			}
			body = body[n:]
		}
	}
	if e.Kind == 0 || e.From == "" {
		return nil, ErrBadMessage
	}
	return e, nil
}

// ---- delta batches ----

func appendOrder(b []byte, o *order.Order) []byte {
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.BytesType)
	m = protowire.AppendString(m, string(o.ID))
	m = protowire.AppendTag(m, 2, protowire.BytesType)
	m = protowire.AppendString(m, string(o.Owner))
	m = protowire.AppendTag(m, 3, protowire.BytesType)
	m = protowire.AppendString(m, o.Pair.Base)
	m = protowire.AppendTag(m, 4, protowire.BytesType)
	m = protowire.AppendString(m, o.Pair.Quote)
	m = protowire.AppendTag(m, 5, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.Side))
	m = protowire.AppendTag(m, 6, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.Price))
	m = protowire.AppendTag(m, 7, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.Amount))
	m = protowire.AppendTag(m, 8, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.MinFill))
	m = protowire.AppendTag(m, 9, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.CreatedAt))
	m = protowire.AppendTag(m, 10, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.ExpiresAt))

	b = protowire.AppendTag(b, 8, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func parseOrder(m []byte) (*order.Order, error) {
	o := &order.Order{}
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return nil, ErrBadMessage
		}
		m = m[n:]
		switch num {
		case 1, 2, 3, 4:
			v, n := protowire.ConsumeString(m)
			if n < 0 {
				return nil, ErrBadMessage
			}
			switch num {
			case 1:
				o.ID = order.ID(v)
			case 2:
				o.Owner = order.NodeID(v)
			case 3:
				o.Pair.Base = v
			case 4:
				o.Pair.Quote = v
			}
			m = m[n:]
		case 5, 6, 7, 8, 9, 10:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return nil, ErrBadMessage
			}
			switch num {
			case 5:
				o.Side = order.Side(v)
			case 6:
				o.Price = int64(v)
			case 7:
				o.Amount = int64(v)
			case 8:
				o.MinFill = int64(v)
			case 9:
				o.CreatedAt = int64(v)
			case 10:
				o.ExpiresAt = int64(v)
			}
			m = m[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return nil, ErrBadMessage
			}
			m = m[n:]
		}
	}
	return o, nil
}

func appendDelta(b []byte, d book.Delta) []byte {
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(d.Shard))
	m = protowire.AppendTag(m, 2, protowire.BytesType)
	m = protowire.AppendString(m, string(d.Origin))
	m = protowire.AppendTag(m, 3, protowire.VarintType)
	m = protowire.AppendVarint(m, d.Counter)
	m = protowire.AppendTag(m, 4, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(d.Kind))
	m = protowire.AppendTag(m, 5, protowire.BytesType)
	m = protowire.AppendString(m, string(d.OrderID))
	if d.Reason != 0 {
		m = protowire.AppendTag(m, 6, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(d.Reason))
	}
	if d.FilledTotal != 0 {
		m = protowire.AppendTag(m, 7, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(d.FilledTotal))
	}
	if d.Order != nil {
		m = appendOrder(m, d.Order)
	}

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func parseDelta(m []byte) (book.Delta, error) {
	var d book.Delta
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return d, ErrBadMessage
		}
		m = m[n:]
		switch num {
		case 1, 3, 4, 6, 7:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return d, ErrBadMessage
			}
			switch num {
			case 1:
				d.Shard = shard.ID(v)
			case 3:
				d.Counter = v
			case 4:
				d.Kind = book.OpKind(v)
			case 6:
				d.Reason = book.RemoveReason(v)
			case 7:
				d.FilledTotal = int64(v)
			}
			m = m[n:]
		case 2, 5:
			v, n := protowire.ConsumeString(m)
			if n < 0 {
				return d, ErrBadMessage
			}
			if num == 2 {
				d.Origin = order.NodeID(v)
			} else {
				d.OrderID = order.ID(v)
			}
			m = m[n:]
		case 8:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return d, ErrBadMessage
			}
			o, err := parseOrder(v)
			if err != nil {
				return d, err
			}
			d.Order = o
			m = m[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return d, ErrBadMessage
			}
			m = m[n:]
		}
	}
	return d, nil
}

// EncodeDeltas packs a batch of deltas into one payload.
func EncodeDeltas(ds []book.Delta) []byte {
	var b []byte
	for _, d := range ds {
		b = appendDelta(b, d)
	}
	return b
}

func DecodeDeltas(b []byte) ([]book.Delta, error) {
	var out []book.Delta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrBadMessage
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrBadMessage
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrBadMessage
		}
		b = b[n:]
		d, err := parseDelta(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ---- digests ----

// Digest carries one node's version vectors, per shard.
type Digest map[shard.ID]map[order.NodeID]uint64

func EncodeDigest(d Digest) []byte {
	var b []byte
	for sid, vv := range d {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(sid))
		for node, ctr := range vv {
			var e []byte
			e = protowire.AppendTag(e, 1, protowire.BytesType)
			e = protowire.AppendString(e, string(node))
			e = protowire.AppendTag(e, 2, protowire.VarintType)
			e = protowire.AppendVarint(e, ctr)
			m = protowire.AppendTag(m, 2, protowire.BytesType)
			m = protowire.AppendBytes(m, e)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func DecodeDigest(b []byte) (Digest, error) {
	out := make(Digest)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrBadMessage
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrBadMessage
			}
			b = b[n:]
			continue
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrBadMessage
		}
		b = b[n:]

		var sid shard.ID
		vv := make(map[order.NodeID]uint64)
		for len(m) > 0 {
			num, typ, n := protowire.ConsumeTag(m)
			if n < 0 {
				return nil, ErrBadMessage
			}
			m = m[n:]
			switch num {
			case 1:
				v, n := protowire.ConsumeVarint(m)
				if n < 0 {
					return nil, ErrBadMessage
				}
				sid = shard.ID(v)
				m = m[n:]
			case 2:
				e, n := protowire.ConsumeBytes(m)
				if n < 0 {
					return nil, ErrBadMessage
				}
				m = m[n:]
				var node order.NodeID
				var ctr uint64
				for len(e) > 0 {
					num, typ, n := protowire.ConsumeTag(e)
					if n < 0 {
						return nil, ErrBadMessage
					}
					e = e[n:]
					switch num {
					case 1:
						v, n := protowire.ConsumeString(e)
						if n < 0 {
							return nil, ErrBadMessage
						}
						node = order.NodeID(v)
						e = e[n:]
					case 2:
						v, n := protowire.ConsumeVarint(e)
						if n < 0 {
							return nil, ErrBadMessage
						}
						ctr = v
						e = e[n:]
					default:
						n := protowire.ConsumeFieldValue(num, typ, e)
						if n < 0 {
							return nil, ErrBadMessage
						}
						e = e[n:]
					}
				}
				if node != "" {
					vv[node] = ctr
				}
			default:
				n := protowire.ConsumeFieldValue(num, typ, m)
				if n < 0 {
					return nil, ErrBadMessage
				}
				m = m[n:]
			}
		}
		out[sid] = vv
	}
	return out, nil
}

func putUint32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func readUint32LE(buf []byte) uint32 {
	return uint32(buf[0]) |
		uint32(buf[1])<<8 |
		uint32(buf[2])<<16 |
		uint32(buf[3])<<24
}
