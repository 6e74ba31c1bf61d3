package transport

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Paylane/internal/channel"
	"Paylane/internal/types"
)

// Kind identifies the payload of an envelope.
type Kind uint8

const (
	KindActivationRequest  Kind = iota + 1 // payload is a proposer-signed Active state
	KindActivationResponse                 // payload is the countersigned state
	KindTicket                             // payload is a signed ticket
	KindError                              // payload is an error message
)

func (k Kind) String() string {
	switch k {
	case KindActivationRequest:
		return "activation_request"
	case KindActivationResponse:
		return "activation_response"
	case KindTicket:
		return "ticket"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrMalformedEnvelope is returned for bytes that do not decode to an envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// envelope is a decoded counterparty message.
type envelope struct {
	kind    Kind
	sender  channel.Address
	payload []byte
}

// encodeEnvelope frames a payload as a FlatBuffers Envelope.
func encodeEnvelope(kind Kind, sender channel.Address, payload []byte) []byte {
	builder := flatbuffers.NewBuilder(len(payload) + 64)

	senderVec := builder.CreateByteVector(sender[:])
	payloadVec := builder.CreateByteVector(payload)

	types.EnvelopeStart(builder)
	types.EnvelopeAddKind(builder, byte(kind))
	types.EnvelopeAddSender(builder, senderVec)
	types.EnvelopeAddPayload(builder, payloadVec)
	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// decodeEnvelope parses an envelope. The sender is a claim; callers verify
// it through the signed payload.
func decodeEnvelope(data []byte) (env envelope, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return envelope{}, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			env, err = envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, r)
		}
	}()

	fb := types.GetRootAsEnvelope(data, 0)

	env.kind = Kind(fb.Kind())
	if env.kind < KindActivationRequest || env.kind > KindError {
		return envelope{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, env.kind)
	}

	sender := fb.SenderBytes()
	if len(sender) != len(env.sender) {
		return envelope{}, fmt.Errorf("%w: sender is %d bytes", ErrMalformedEnvelope, len(sender))
	}
	copy(env.sender[:], sender)

	env.payload = append([]byte(nil), fb.PayloadBytes()...)

	return env, nil
}
