package channel

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Paylane/internal/types"
)

// balanceSize is the width of an encoded balance.
const balanceSize = 32

// Encode serializes a record as a FlatBuffers SignedState table.
func Encode(s *SignedState) []byte {
	builder := flatbuffers.NewBuilder(256)

	a, total, _ := Balances(s.State)
	aBytes := a.Bytes32()
	totalBytes := total.Bytes32()

	var round uint64
	if p, ok := s.State.(PendingSettlement); ok {
		round = p.SettlementRound
	}

	channelVec := builder.CreateByteVector(s.Channel[:])
	partyAVec := builder.CreateByteVector(s.PartyA[:])
	partyBVec := builder.CreateByteVector(s.PartyB[:])
	balanceAVec := builder.CreateByteVector(aBytes[:])
	totalVec := builder.CreateByteVector(totalBytes[:])
	signerVec := builder.CreateByteVector(s.Signer)
	sigVec := builder.CreateByteVector(s.Signature)

	types.SignedStateStart(builder)
	types.SignedStateAddChannelId(builder, channelVec)
	types.SignedStateAddPartyA(builder, partyAVec)
	types.SignedStateAddPartyB(builder, partyBVec)
	types.SignedStateAddKind(builder, byte(kindOf(s.State)))
	types.SignedStateAddBalanceA(builder, balanceAVec)
	types.SignedStateAddBalanceTotal(builder, totalVec)
	types.SignedStateAddSettlementRound(builder, round)
	types.SignedStateAddIteration(builder, s.Iteration)
	types.SignedStateAddSigner(builder, signerVec)
	types.SignedStateAddSignature(builder, sigVec)
	offset := types.SignedStateEnd(builder)

	builder.Finish(offset)

	return builder.FinishedBytes()
}

// Decode parses a FlatBuffers SignedState table and validates it.
// Truncated or corrupted buffers fail with ErrMalformedRecord.
func Decode(data []byte) (s *SignedState, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(data))
	}

	// The generated accessors index the buffer without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %v", ErrMalformedRecord, r)
		}
	}()

	fb := types.GetRootAsSignedState(data, 0)

	s = &SignedState{
		Iteration: fb.Iteration(),
		Signer:    copyBytes(fb.SignerBytes()),
		Signature: copyBytes(fb.SignatureBytes()),
	}

	if !copyFixed(s.Channel[:], fb.ChannelIdBytes()) ||
		!copyFixed(s.PartyA[:], fb.PartyABytes()) ||
		!copyFixed(s.PartyB[:], fb.PartyBBytes()) {
		return nil, fmt.Errorf("%w: bad identity field width", ErrMalformedRecord)
	}

	state, err := decodeState(Kind(fb.Kind()), fb.BalanceABytes(), fb.BalanceTotalBytes(), fb.SettlementRound())
	if err != nil {
		return nil, err
	}
	s.State = state

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// decodeState rebuilds the state variant from its flat fields.
func decodeState(kind Kind, aBytes, totalBytes []byte, round uint64) (State, error) {
	if kind == KindUninitialized {
		return Uninitialized{}, nil
	}

	if len(aBytes) != balanceSize || len(totalBytes) != balanceSize {
		return nil, fmt.Errorf("%w: bad balance width", ErrMalformedRecord)
	}

	var a, total Balance
	a.SetBytes32(aBytes)
	total.SetBytes32(totalBytes)

	var (
		s   State
		err error
	)

	switch kind {
	case KindFunded:
		s, err = NewFunded(a, total)
	case KindActive:
		s, err = NewActive(a, total)
	case KindPendingSettlement:
		s, err = NewPendingSettlement(a, total, round)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedRecord, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	return s, nil
}

// copyFixed copies src into dst when the widths match.
func copyFixed(dst, src []byte) bool {
	if len(src) != len(dst) {
		return false
	}
	copy(dst, src)
	return true
}

// copyBytes detaches a slice from the FlatBuffers buffer.
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
