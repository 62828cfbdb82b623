// Package envelope converts payload envelopes to and from the TLV field list
// carried in a frame body. Payload bytes are never inspected.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/hostlink/internal/protocol/tlv"
)

// MaxOverhead is the frame room reserved for envelope fields around a
// payload, an endpoint or a control value.
const MaxOverhead = 512

// Field IDs of the envelope dictionary.
const (
	FieldEndpointNetwork uint16 = 1
	FieldEndpointAddress uint16 = 2
	FieldPayload         uint16 = 10
	FieldLength          uint16 = 11
	FieldReply           uint16 = 12
	FieldControl         uint16 = 20
)

// Control kinds.
const (
	ControlTerminationImminent = "termination-imminent"
)

var (
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
	ErrInvalidEndpoint   = errors.New("envelope: invalid endpoint")
)

// Endpoint is the opaque connection handle passed in a handoff message.
type Endpoint struct {
	Network string
	Address string
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Network) == "" {
		return fmt.Errorf("%w: missing network", ErrInvalidEndpoint)
	}
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidEndpoint)
	}
	return nil
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// Envelope is either a handoff (Endpoint set) or a payload message.
type Envelope struct {
	Endpoint       *Endpoint
	Payload        []byte
	Length         int64
	ReplyRequested bool
}

// New builds a payload envelope; payload is copied.
func New(payload []byte, replyRequested bool) Envelope {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Envelope{
		Payload:        buf,
		Length:         int64(len(buf)),
		ReplyRequested: replyRequested,
	}
}

// Handoff builds an endpoint-only envelope.
func Handoff(ep Endpoint) Envelope {
	return Envelope{Endpoint: &Endpoint{Network: ep.Network, Address: ep.Address}}
}

func (e Envelope) IsHandoff() bool {
	return e.Endpoint != nil
}

// Encode produces the wire dictionary for env.
func Encode(env Envelope) ([]tlv.Field, error) {
	if env.Endpoint != nil {
		if err := env.Endpoint.Validate(); err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.NewString(FieldEndpointNetwork, env.Endpoint.Network),
			tlv.NewString(FieldEndpointAddress, env.Endpoint.Address),
		}, nil
	}
	fields := []tlv.Field{
		tlv.NewBytes(FieldPayload, env.Payload),
		tlv.NewU64(FieldLength, uint64(len(env.Payload))),
	}
	if env.ReplyRequested {
		fields = append(fields, tlv.NewBool(FieldReply, true))
	}
	return fields, nil
}

// EncodeReply builds the body of a reply message.
func EncodeReply(payload []byte) []tlv.Field {
	return []tlv.Field{
		tlv.NewBytes(FieldPayload, payload),
		tlv.NewU64(FieldLength, uint64(len(payload))),
	}
}

// Decode parses a wire dictionary. The attached buffer is authoritative for
// Length; a stale length field is ignored.
func Decode(fields []tlv.Field) (Envelope, error) {
	if netField, ok := tlv.GetField(fields, FieldEndpointNetwork); ok {
		addrField, ok := tlv.GetField(fields, FieldEndpointAddress)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: endpoint missing address", ErrMalformedEnvelope)
		}
		network, err := netField.Str()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		address, err := addrField.Str()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		ep := Endpoint{Network: network, Address: address}
		if err := ep.Validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return Envelope{Endpoint: &ep}, nil
	}

	payloadField, ok := tlv.GetField(fields, FieldPayload)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: neither endpoint nor payload present", ErrMalformedEnvelope)
	}
	payload, err := payloadField.Bytes()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	env := Envelope{Payload: payload, Length: int64(len(payload))}
	if replyField, ok := tlv.GetField(fields, FieldReply); ok {
		reply, err := replyField.Bool()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		env.ReplyRequested = reply
	}
	return env, nil
}

// DeclaredLength reports the transmitted length field, if present. It may
// disagree with the buffer; callers only use it for diagnostics.
func DeclaredLength(fields []tlv.Field) (int64, bool) {
	f, ok := tlv.GetField(fields, FieldLength)
	if !ok {
		return 0, false
	}
	n, err := f.U64()
	if err != nil {
		return 0, false
	}
	return int64(n), true
}

// Control builds the body of a control message.
func Control(kind string) []tlv.Field {
	return []tlv.Field{tlv.NewString(FieldControl, kind)}
}

func DecodeControl(fields []tlv.Field) (string, error) {
	f, ok := tlv.GetField(fields, FieldControl)
	if !ok {
		return "", fmt.Errorf("%w: missing control kind", ErrMalformedEnvelope)
	}
	kind, err := f.Str()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return kind, nil
}
