package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestPrice6_String(t *testing.T) {
	tests := []struct {
		p    Price6
		want string
	}{
		{150_000000, "150.000000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{18446744073709551615, "18446744073709.551615"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Price6(%d).String() = %s, want %s", uint64(tt.p), got, tt.want)
		}
	}
}

func TestDirection_UnmarshalText(t *testing.T) {
	var req struct {
		Direction Direction `json:"direction"`
	}
	for in, want := range map[string]Direction{`"up"`: DirectionUp, `"DOWN"`: DirectionDown, `"1"`: DirectionUp} {
		if err := json.Unmarshal([]byte(`{"direction":`+in+`}`), &req); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if req.Direction != want {
			t.Errorf("direction %s decoded to %v, want %v", in, req.Direction, want)
		}
	}

	if err := json.Unmarshal([]byte(`{"direction":"sideways"}`), &req); err != nil {
		t.Fatalf("unknown direction should decode without error, got %v", err)
	}
	if req.Direction.Valid() {
		t.Error("sideways should not be a valid direction")
	}
}

func TestDirection_UnmarshalJSONNumbers(t *testing.T) {
	for in, want := range map[string]Direction{`0`: DirectionDown, `1`: DirectionUp, `2`: DirectionUnknown, `-1`: DirectionUnknown, `true`: DirectionUnknown} {
		var req struct {
			Direction Direction `json:"direction"`
		}
		if err := json.Unmarshal([]byte(`{"direction":`+in+`}`), &req); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if req.Direction != want {
			t.Errorf("direction %s decoded to %v, want %v", in, req.Direction, want)
		}
	}

	var absent struct {
		Direction *Direction `json:"direction"`
	}
	if err := json.Unmarshal([]byte(`{}`), &absent); err != nil {
		t.Fatal(err)
	}
	if absent.Direction != nil {
		t.Errorf("absent direction must stay nil, got %v", *absent.Direction)
	}

	up := DirectionUp
	data, err := json.Marshal(up)
	if err != nil {
		t.Fatal(err)
	}
	var back Direction
	if err := json.Unmarshal(data, &back); err != nil || back != DirectionUp {
		t.Errorf("round trip of %s = %v, %v", data, back, err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusNone.Terminal() || StatusActive.Terminal() {
		t.Error("none/active must not be terminal")
	}
	if !StatusWon.Terminal() || !StatusLost.Terminal() {
		t.Error("won/lost must be terminal")
	}
	var w Wager
	if w.Status != StatusNone {
		t.Errorf("zero wager slot should be StatusNone, got %v", w.Status)
	}
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("%w: stake 0", ErrZeroAmount)
	if got := ErrorCode(wrapped); got != "ZeroAmount" {
		t.Errorf("expected ZeroAmount, got %s", got)
	}
	if got := ErrorCode(fmt.Errorf("%w: custody", ErrTransfer)); got != "TransferError" {
		t.Errorf("expected TransferError, got %s", got)
	}
	if got := ErrorCode(errors.New("boom")); got != "Internal" {
		t.Errorf("expected Internal, got %s", got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("expected empty code for nil, got %s", got)
	}
}
