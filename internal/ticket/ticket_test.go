package ticket

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"Paylane/internal/channel"
	"Paylane/internal/signature"
)

// sampleTicket returns a ticket with every field set.
func sampleTicket(amount uint64) Ticket {
	return Ticket{
		Channel:   channel.ID{0x01, 0x02},
		Amount:    *uint256.NewInt(amount),
		WinProb:   Probability(0.5),
		Challenge: [32]byte{0xCC},
		Epoch:     3,
		Iteration: 1,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Ticket{
		sampleTicket(0),
		sampleTicket(5),
		sampleTicket(1 << 60),
		{},
	}

	// Largest amount that still fits.
	maxAmount := sampleTicket(0)
	maxAmount.Amount.SetAllOne()
	maxAmount.Amount.Rsh(&maxAmount.Amount, 256-8*MaxAmountBytes)
	cases = append(cases, maxAmount)

	for i, tk := range cases {
		buf, err := Encode(tk)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}

		if len(buf) != Size {
			t.Fatalf("case %d: encoded %d bytes, want %d", i, len(buf), Size)
		}

		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}

		if got != tk {
			t.Errorf("case %d: round trip = %+v, want %+v", i, got, tk)
		}
	}
}

func TestEncodePadsRight(t *testing.T) {
	buf, _ := Encode(sampleTicket(5))

	// amount_len = 1, amount = 0x05, rest zero
	if buf[headerSize-1] != 1 || buf[headerSize] != 5 {
		t.Fatalf("amount encoded as len=%d byte=%x", buf[headerSize-1], buf[headerSize])
	}

	if !isZero(buf[headerSize+1:]) {
		t.Error("padding is not zero")
	}
}

func TestEncodeTooLarge(t *testing.T) {
	tk := sampleTicket(0)
	tk.Amount.Lsh(uint256.NewInt(1), 8*MaxAmountBytes) // needs MaxAmountBytes+1 bytes

	if _, err := Encode(tk); !errors.Is(err, ErrTicketTooLarge) {
		t.Errorf("expected ErrTicketTooLarge, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, _ := Encode(sampleTicket(5))

	dirtyPadding := append([]byte(nil), good...)
	dirtyPadding[Size-1] = 0x01

	badLen := append([]byte(nil), good...)
	badLen[headerSize-1] = MaxAmountBytes + 1

	leadingZero := append([]byte(nil), good...)
	leadingZero[headerSize-1] = 2
	leadingZero[headerSize] = 0
	leadingZero[headerSize+1] = 5

	cases := map[string][]byte{
		"short":         good[:Size-1],
		"long":          append(append([]byte(nil), good...), 0),
		"dirty padding": dirtyPadding,
		"amount length": badLen,
		"leading zero":  leadingZero,
	}

	for name, buf := range cases {
		if _, err := Decode(buf); !errors.Is(err, ErrMalformedTicket) {
			t.Errorf("%s: expected ErrMalformedTicket, got %v", name, err)
		}
	}
}

func TestSignedRecoversIssuer(t *testing.T) {
	key, _ := signature.GenerateKey()
	tk := sampleTicket(5)

	buf, err := Sign(tk, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if len(buf) != SignedSize {
		t.Fatalf("signed ticket is %d bytes, want %d", len(buf), SignedSize)
	}

	st, err := DecodeSigned(buf)
	if err != nil {
		t.Fatalf("DecodeSigned: %v", err)
	}

	if st.Ticket != tk {
		t.Errorf("decoded ticket %+v, want %+v", st.Ticket, tk)
	}

	signer, err := st.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}

	if !bytes.Equal(signer, signature.PublicKey(key)) {
		t.Errorf("recovered %x, want issuer", signer)
	}

	if err := st.VerifySigner(signature.PublicKey(key)); err != nil {
		t.Errorf("VerifySigner: %v", err)
	}

	if !bytes.Equal(st.Bytes(), buf) {
		t.Error("Bytes does not reproduce the signed ticket")
	}
}

func TestSignedRegionsAreDisjoint(t *testing.T) {
	key, _ := signature.GenerateKey()
	buf, _ := Sign(sampleTicket(5), key)

	// Flipping a signature byte must not change the decoded ticket.
	buf[0] ^= 0xFF

	st, err := DecodeSigned(buf)
	if err != nil {
		t.Fatalf("DecodeSigned: %v", err)
	}

	if st.Ticket != sampleTicket(5) {
		t.Error("signature bytes leaked into the ticket region")
	}
}

func TestSignedWrongSigner(t *testing.T) {
	issuer, _ := signature.GenerateKey()
	other, _ := signature.GenerateKey()

	buf, _ := Sign(sampleTicket(5), issuer)
	st, _ := DecodeSigned(buf)

	if err := st.VerifySigner(signature.PublicKey(other)); !errors.Is(err, ErrWrongSigner) {
		t.Errorf("expected ErrWrongSigner, got %v", err)
	}
}

func TestSignedUnrecoverable(t *testing.T) {
	key, _ := signature.GenerateKey()
	buf, _ := Sign(sampleTicket(5), key)

	copy(buf[:signature.Size], make([]byte, signature.Size))

	st, err := DecodeSigned(buf)
	if err != nil {
		t.Fatalf("DecodeSigned: %v", err)
	}

	pub, err := st.Signer()
	if !errors.Is(err, ErrUnrecoverableSigner) {
		t.Errorf("expected ErrUnrecoverableSigner, got %v", err)
	}

	if pub != nil {
		t.Errorf("returned key %x on failure", pub)
	}
}

func TestDecodeSignedSizes(t *testing.T) {
	if _, err := DecodeSigned(make([]byte, SignedSize+1)); !errors.Is(err, ErrTicketTooLarge) {
		t.Errorf("oversized: expected ErrTicketTooLarge, got %v", err)
	}

	if _, err := DecodeSigned(make([]byte, SignedSize-1)); !errors.Is(err, ErrMalformedTicket) {
		t.Errorf("undersized: expected ErrMalformedTicket, got %v", err)
	}
}

func TestIsWinning(t *testing.T) {
	key, _ := signature.GenerateKey()

	always := sampleTicket(5)
	always.WinProb = AlwaysWins
	buf, _ := Sign(always, key)
	st, _ := DecodeSigned(buf)

	if !st.IsWinning([32]byte{0x01}) {
		t.Error("ticket with AlwaysWins lost")
	}

	never := sampleTicket(5)
	never.WinProb = 0
	buf, _ = Sign(never, key)
	st, _ = DecodeSigned(buf)

	losses := 0
	for i := 0; i < 16; i++ {
		if !st.IsWinning([32]byte{byte(i)}) {
			losses++
		}
	}

	if losses != 16 {
		t.Errorf("zero-probability ticket won %d of 16 times", 16-losses)
	}
}

func TestProbability(t *testing.T) {
	if Probability(0) != 0 || Probability(-1) != 0 {
		t.Error("non-positive probability not clamped to 0")
	}

	if Probability(1) != AlwaysWins || Probability(2) != AlwaysWins {
		t.Error("probability >= 1 not clamped to AlwaysWins")
	}

	half := Probability(0.5)
	if half < AlwaysWins/2-1<<12 || half > AlwaysWins/2+1<<12 {
		t.Errorf("Probability(0.5) = %d, far from half", half)
	}
}
