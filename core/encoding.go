package core

// encoding.go: haggle binary encoding using the Protobuf wire format.
//
// Message bytes are produced/consumed with google.golang.org/protobuf/encoding/protowire,
// so the layout is plain Protobuf without requiring protoc code generation.
// Prices travel as decimal strings to keep them exact.

import (
	"encoding/binary"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ------------------------------------------------------------------ encoder

type enc struct{ buf []byte }

func (e *enc) str(field protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *enc) i64(field protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *enc) boolean(field protowire.Number, v bool) {
	if !v {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 1)
}

func (e *enc) strs(field protowire.Number, ss []string) {
	for _, s := range ss {
		e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
		e.buf = protowire.AppendString(e.buf, s)
	}
}

func (e *enc) dec(field protowire.Number, d decimal.Decimal) {
	if d.IsZero() {
		return
	}
	e.str(field, d.String())
}

// ------------------------------------------------------------------ decoder

// dec walks the fields of one encoded payload. The first error sticks and
// every later read becomes a no-op.
type dec struct {
	name string
	data []byte
	err  error
}

func (d *dec) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.data) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.data)
	if n < 0 {
		d.fail("invalid tag")
		return 0, 0, false
	}
	d.data = d.data[n:]
	return num, typ, true
}

func (d *dec) fail(what string) {
	if d.err == nil {
		d.err = xerrors.Errorf("%s: %s: %w", d.name, what, ErrMalformedMessage)
	}
}

// want reports whether typ is the wire type expected for field.
func (d *dec) want(typ, expected protowire.Type, field string) bool {
	if typ != expected {
		d.fail("wrong wire type for " + field)
		return false
	}
	return true
}

func (d *dec) str(typ protowire.Type, field string) string {
	if !d.want(typ, protowire.BytesType, field) {
		return ""
	}
	s, n := protowire.ConsumeString(d.data)
	if n < 0 {
		d.fail("invalid " + field)
		return ""
	}
	d.data = d.data[n:]
	return s
}

func (d *dec) i64(typ protowire.Type, field string) int64 {
	if !d.want(typ, protowire.VarintType, field) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.data)
	if n < 0 {
		d.fail("invalid " + field)
		return 0
	}
	d.data = d.data[n:]
	return protowire.DecodeZigZag(v)
}

func (d *dec) boolean(typ protowire.Type, field string) bool {
	if !d.want(typ, protowire.VarintType, field) {
		return false
	}
	v, n := protowire.ConsumeVarint(d.data)
	if n < 0 {
		d.fail("invalid " + field)
		return false
	}
	d.data = d.data[n:]
	return v != 0
}

func (d *dec) decimal(typ protowire.Type, field string) decimal.Decimal {
	s := d.str(typ, field)
	if d.err != nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail("invalid " + field + " " + s)
		return decimal.Zero
	}
	return v
}

func (d *dec) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.data)
	if n < 0 {
		d.fail("invalid unknown field")
		return
	}
	d.data = d.data[n:]
}

// ------------------------------------------------------------------ Message

// Encode serialises m into the Protobuf wire format.
func (m *Message) Encode() ([]byte, error) {
	e := &enc{}
	e.i64(1, int64(m.Performative))
	e.str(2, m.Sender)
	e.strs(3, m.Receivers)
	e.str(4, m.Topic)
	e.str(5, m.ConversationID)
	e.str(6, m.Title)
	e.i64(7, int64(m.Quantity))
	e.dec(8, m.Price)
	e.boolean(9, m.Final)
	e.str(10, m.Reason)
	e.i64(11, m.Timestamp)
	return e.buf, nil
}

// DecodeMessage deserialises a Message from wire bytes. Content that does
// not parse yields an error wrapping ErrMalformedMessage.
func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	d := &dec{name: "message", data: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Performative = Performative(d.i64(typ, "performative"))
		case 2:
			m.Sender = d.str(typ, "sender")
		case 3:
			if r := d.str(typ, "receiver"); d.err == nil {
				m.Receivers = append(m.Receivers, r)
			}
		case 4:
			m.Topic = d.str(typ, "topic")
		case 5:
			m.ConversationID = d.str(typ, "conversation_id")
		case 6:
			m.Title = d.str(typ, "title")
		case 7:
			m.Quantity = int(d.i64(typ, "quantity"))
		case 8:
			m.Price = d.decimal(typ, "price")
		case 9:
			m.Final = d.boolean(typ, "final")
		case 10:
			m.Reason = d.str(typ, "reason")
		case 11:
			m.Timestamp = d.i64(typ, "timestamp")
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// ------------------------------------------------------------------ Hello

// Encode serialises m into the Protobuf wire format.
func (m *Hello) Encode() ([]byte, error) {
	e := &enc{}
	e.str(1, m.AgentID)
	e.strs(2, m.Services)
	e.str(3, m.Version)
	return e.buf, nil
}

// DecodeHello deserialises a Hello from wire bytes.
func DecodeHello(data []byte) (*Hello, error) {
	m := &Hello{}
	d := &dec{name: "hello", data: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.AgentID = d.str(typ, "agent_id")
		case 2:
			if s := d.str(typ, "service"); d.err == nil {
				m.Services = append(m.Services, s)
			}
		case 3:
			m.Version = d.str(typ, "version")
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// ------------------------------------------------------------------ ServiceAnnouncement

// Encode serialises m into the Protobuf wire format.
func (m *ServiceAnnouncement) Encode() ([]byte, error) {
	e := &enc{}
	e.str(1, m.AgentID)
	e.str(2, m.ServiceType)
	e.str(3, m.Name)
	e.i64(4, m.Timestamp)
	e.i64(5, m.TTL)
	return e.buf, nil
}

// DecodeServiceAnnouncement deserialises a ServiceAnnouncement from wire bytes.
func DecodeServiceAnnouncement(data []byte) (*ServiceAnnouncement, error) {
	m := &ServiceAnnouncement{}
	d := &dec{name: "announcement", data: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.AgentID = d.str(typ, "agent_id")
		case 2:
			m.ServiceType = d.str(typ, "service_type")
		case 3:
			m.Name = d.str(typ, "name")
		case 4:
			m.Timestamp = d.i64(typ, "timestamp")
		case 5:
			m.TTL = d.i64(typ, "ttl")
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// ------------------------------------------------------------------ framing

// Frame wraps encoded bytes with a 4-byte big-endian length prefix and a
// 1-byte message type, ready to be sent over a stream.
//
// Layout: [4 bytes: uint32 frame length] [1 byte: MessageType] [N bytes: payload]
func Frame(msgType MessageType, payload []byte) []byte {
	total := 1 + len(payload)
	frame := make([]byte, 4+total)
	binary.BigEndian.PutUint32(frame[:4], uint32(total))
	frame[4] = byte(msgType)
	copy(frame[5:], payload)
	return frame
}

// Unframe reads one framed payload, returning the type and raw bytes.
// The caller must supply at least 5 bytes (4-byte header + type byte).
// Every failure wraps ErrMalformedMessage.
func Unframe(frame []byte) (MessageType, []byte, error) {
	if len(frame) < 5 {
		return 0, nil, xerrors.Errorf("frame too short (%d bytes): %w", len(frame), ErrMalformedMessage)
	}
	total := int(binary.BigEndian.Uint32(frame[:4]))
	if total < 1 {
		return 0, nil, xerrors.Errorf("frame length %d has no type byte: %w", total, ErrMalformedMessage)
	}
	if len(frame) < 4+total {
		return 0, nil, xerrors.Errorf("frame incomplete: need %d bytes, have %d: %w", 4+total, len(frame), ErrMalformedMessage)
	}
	return MessageType(frame[4]), frame[5 : 4+total], nil
}

// Decode dispatches to the appropriate Decode* function based on msgType.
func Decode(msgType MessageType, data []byte) (Encoder, error) {
	switch msgType {
	case MsgHello:
		return DecodeHello(data)
	case MsgEnvelope:
		return DecodeMessage(data)
	case MsgAnnouncement:
		return DecodeServiceAnnouncement(data)
	default:
		return nil, xerrors.Errorf("unknown message type 0x%02x: %w", msgType, ErrMalformedMessage)
	}
}
