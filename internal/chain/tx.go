package chain

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Paylane/internal/channel"
	"Paylane/internal/signature"
	"Paylane/internal/types"
)

const (
	// maxPayloadSize bounds method payloads.
	maxPayloadSize = 1024

	// amountSize is the width of an encoded amount.
	amountSize = 32
)

// txDomain separates transaction digests from off-chain digests.
var txDomain = []byte("paylane-tx")

// Tx is a decoded, signature-checked transaction.
type Tx struct {
	Call      Call            // Call is the transaction payload
	Nonce     uint64          // Nonce is the sender's account nonce
	Sender    channel.Address // Sender is recovered from the signature
	Signature []byte          // Signature is R || S || V over the digest
	Hash      TxHash          // Hash is the blake3 hash of the encoded transaction
}

// EncodeTx signs a call and serializes it as a FlatBuffers Transaction.
func EncodeTx(call Call, nonce uint64, key *ecdsa.PrivateKey) ([]byte, TxHash, error) {
	if len(call.Payload) > maxPayloadSize {
		return nil, TxHash{}, fmt.Errorf("payload is %d bytes, max %d", len(call.Payload), maxPayloadSize)
	}

	sig, err := signature.Sign(txDigest(call, nonce), key)
	if err != nil {
		return nil, TxHash{}, err
	}

	amount := call.Amount.Bytes32()
	cpAmount := call.CounterpartyAmount.Bytes32()

	builder := flatbuffers.NewBuilder(256)

	chanVec := builder.CreateByteVector(call.Channel[:])
	cpVec := builder.CreateByteVector(call.Counterparty[:])
	amountVec := builder.CreateByteVector(amount[:])
	cpAmountVec := builder.CreateByteVector(cpAmount[:])
	payloadVec := builder.CreateByteVector(call.Payload)
	sigVec := builder.CreateByteVector(sig)

	types.TransactionStart(builder)
	types.TransactionAddMethod(builder, byte(call.Method))
	types.TransactionAddChannelId(builder, chanVec)
	types.TransactionAddCounterparty(builder, cpVec)
	types.TransactionAddAmount(builder, amountVec)
	types.TransactionAddCounterpartyAmount(builder, cpAmountVec)
	types.TransactionAddPayload(builder, payloadVec)
	types.TransactionAddNonce(builder, nonce)
	types.TransactionAddSignature(builder, sigVec)
	builder.Finish(types.TransactionEnd(builder))

	data := builder.FinishedBytes()

	return data, blake3.Sum256(data), nil
}

// DecodeTx parses a transaction and recovers its sender.
func DecodeTx(data []byte) (tx *Tx, err error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			tx, err = nil, fmt.Errorf("malformed transaction data")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("transaction data too short")
	}

	t := types.GetRootAsTransaction(data, 0)

	call := Call{Method: Method(t.Method())}
	if call.Method < MethodFund || call.Method > MethodAnnounce {
		return nil, fmt.Errorf("unknown method %d", t.Method())
	}

	if err := fixed(call.Channel[:], t.ChannelIdBytes(), "channel id"); err != nil {
		return nil, err
	}

	if err := fixed(call.Counterparty[:], t.CounterpartyBytes(), "counterparty"); err != nil {
		return nil, err
	}

	var amount, cpAmount [amountSize]byte
	if err := fixed(amount[:], t.AmountBytes(), "amount"); err != nil {
		return nil, err
	}

	if err := fixed(cpAmount[:], t.CounterpartyAmountBytes(), "counterparty amount"); err != nil {
		return nil, err
	}

	call.Amount.SetBytes32(amount[:])
	call.CounterpartyAmount.SetBytes32(cpAmount[:])

	if n := len(t.PayloadBytes()); n > maxPayloadSize {
		return nil, fmt.Errorf("payload is %d bytes, max %d", n, maxPayloadSize)
	}

	if p := t.PayloadBytes(); len(p) > 0 {
		call.Payload = append([]byte(nil), p...)
	}

	sig := append([]byte(nil), t.SignatureBytes()...)

	pub, err := signature.Recover(txDigest(call, t.Nonce()), sig)
	if err != nil {
		return nil, fmt.Errorf("recover sender:\n%w", err)
	}

	sender, err := signature.AddressOf(pub)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Call:      call,
		Nonce:     t.Nonce(),
		Sender:    sender,
		Signature: sig,
		Hash:      blake3.Sum256(data),
	}, nil
}

// txDigest is the keccak256 digest of the unsigned transaction fields.
func txDigest(call Call, nonce uint64) [signature.DigestSize]byte {
	amount := call.Amount.Bytes32()
	cpAmount := call.CounterpartyAmount.Bytes32()

	var nums [9]byte
	nums[0] = byte(call.Method)
	binary.BigEndian.PutUint64(nums[1:], nonce)

	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(call.Payload)))

	return signature.Digest(txDomain, nums[:], call.Channel[:], call.Counterparty[:], amount[:], cpAmount[:], plen[:], call.Payload)
}

// fixed copies src into dst, requiring an exact width.
func fixed(dst, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("invalid %s size: got %d, want %d", field, len(src), len(dst))
	}

	copy(dst, src)
	return nil
}
