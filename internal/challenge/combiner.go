package challenge

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Combiner folds key halves into a single redemption secret.
// Combine must be commutative and associative so the result does not depend
// on the order in which challenges are stored.
type Combiner interface {
	// Name identifies the combiner in configuration and logs.
	Name() string

	// Combine returns the accumulation of acc and half.
	Combine(acc, half [32]byte) ([32]byte, error)
}

// XOR combines halves with bitwise exclusive or.
type XOR struct{}

func (XOR) Name() string { return "xor" }

func (XOR) Combine(acc, half [32]byte) ([32]byte, error) {
	var out [32]byte
	for i := range out {
		out[i] = acc[i] ^ half[i]
	}

	return out, nil
}

// ScalarSum combines halves as secp256k1 scalars added modulo the group order.
// A half is rejected if it is not a canonical scalar.
type ScalarSum struct{}

func (ScalarSum) Name() string { return "scalar" }

func (ScalarSum) Combine(acc, half [32]byte) ([32]byte, error) {
	var a, h secp256k1.ModNScalar

	if a.SetByteSlice(acc[:]) {
		return [32]byte{}, fmt.Errorf("accumulator is not a canonical scalar")
	}

	if h.SetByteSlice(half[:]) {
		return [32]byte{}, fmt.Errorf("key half is not a canonical scalar")
	}

	return a.Add(&h).Bytes(), nil
}

// ParseCombiner returns the combiner with the given name.
func ParseCombiner(name string) (Combiner, error) {
	switch name {
	case "", "xor":
		return XOR{}, nil
	case "scalar":
		return ScalarSum{}, nil
	default:
		return nil, fmt.Errorf("unknown combiner %q", name)
	}
}
