package codec

import (
	"errors"
	"testing"

	"github.com/quickbet/settlement/internal/model"
)

func TestWager_RoundTrip(t *testing.T) {
	in := &model.Wager{
		Owner:         "alice",
		Asset:         "SOL/USD",
		Direction:     model.DirectionUp,
		Stake:         100,
		OpenedPrice:   150_000000,
		Expiry:        1_700_000_060,
		ResolvedPrice: 0,
		Status:        model.StatusActive,
	}
	b, err := EncodeWager(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeWager(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", *out, *in)
	}
}

func TestTicket_LayoutIsStable(t *testing.T) {
	b, err := EncodeTicket(&model.DelegationTicket{Owner: "ab", IsDelegated: true, DelegatedAt: 1, Nonce: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		TagTicket, Version,
		0, 2, 'a', 'b',
		1,
		0, 0, 0, 0, 0, 0, 0, 1,
		0, 0, 0, 0, 0, 0, 0, 2,
	}
	if string(b) != string(want) {
		t.Fatalf("ticket layout changed:\n got %v\nwant %v", b, want)
	}
}

func TestDecode_RejectsWrongTag(t *testing.T) {
	b, _ := EncodeAccount(&model.PointsAccount{Owner: "alice", Balance: 1000})
	if _, err := DecodeTicket(b); !errors.Is(err, model.ErrCorruptAccount) {
		t.Errorf("decoding an account as a ticket should fail with ErrCorruptAccount, got %v", err)
	}
}

func TestDecode_RejectsUnknownVersion(t *testing.T) {
	b, _ := EncodeAccount(&model.PointsAccount{Owner: "alice", Balance: 1000})
	b[1] = Version + 1
	if _, err := DecodeAccount(b); !errors.Is(err, model.ErrCorruptAccount) {
		t.Errorf("expected ErrCorruptAccount for unknown version, got %v", err)
	}
}

func TestDecode_RejectsTruncatedAndTrailing(t *testing.T) {
	b, _ := EncodeAccount(&model.PointsAccount{Owner: "alice", Balance: 1000})

	for n := 0; n < len(b); n++ {
		if _, err := DecodeAccount(b[:n]); !errors.Is(err, model.ErrCorruptAccount) {
			t.Fatalf("truncated to %d bytes: expected ErrCorruptAccount, got %v", n, err)
		}
	}
	if _, err := DecodeAccount(append(b, 0)); !errors.Is(err, model.ErrCorruptAccount) {
		t.Errorf("expected ErrCorruptAccount for trailing byte, got %v", err)
	}
}

func TestDecodeTicket_RejectsInvalidBool(t *testing.T) {
	b, _ := EncodeTicket(&model.DelegationTicket{Owner: "a"})
	b[5] = 7 // tag, version, len(2), 'a', flag
	if _, err := DecodeTicket(b); !errors.Is(err, model.ErrCorruptAccount) {
		t.Errorf("expected ErrCorruptAccount for bool byte 7, got %v", err)
	}
}

func TestEncodeWager_AssetTooLong(t *testing.T) {
	_, err := EncodeWager(&model.Wager{Owner: "a", Asset: "THIS/ASSET/NAME/IS/TOO/LONG"})
	if err == nil {
		t.Error("expected error for oversized asset name")
	}
}

func TestDecodeWager_RejectsUnknownStatus(t *testing.T) {
	b, _ := EncodeWager(&model.Wager{Owner: "a", Status: model.StatusLost})
	b[len(b)-1] = 9
	if _, err := DecodeWager(b); !errors.Is(err, model.ErrCorruptAccount) {
		t.Errorf("expected ErrCorruptAccount, got %v", err)
	}
}

func TestCustody_RoundTrip(t *testing.T) {
	in := &model.CustodyRecord{Owner: "alice", State: model.CustodyReturned, UpdatedAt: 42}
	b, err := EncodeCustody(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeCustody(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Errorf("got %+v, want %+v", *out, *in)
	}
}
