// Package codec is the canonical binary representation of every resource
// stored on either venue. Both control paths read and write accounts through
// it; the delegated path has nothing else to rely on.
//
// Layout: tag(1) | version(1) | fields, big-endian integers, strings as
// uint16 length + bytes. Decoding rejects a wrong tag, an unknown version,
// short input and trailing bytes.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quickbet/settlement/internal/model"
)

// Version is the current layout version written by every encoder.
const Version byte = 1

// Tags discriminate the resource type stored at an address.
const (
	TagAccount byte = 0xA1
	TagTicket  byte = 0xA2
	TagWager   byte = 0xA3
	TagCustody byte = 0xA4
)

// MaxAssetLen bounds the asset name stored in a wager slot.
const MaxAssetLen = 20

// EncodeAccount serializes a points account.
func EncodeAccount(a *model.PointsAccount) ([]byte, error) {
	w := newWriter(TagAccount)
	if err := w.str(string(a.Owner)); err != nil {
		return nil, err
	}
	w.u64(a.Balance)
	return w.buf, nil
}

// DecodeAccount parses bytes written by EncodeAccount.
func DecodeAccount(b []byte) (*model.PointsAccount, error) {
	r, err := newReader(b, TagAccount)
	if err != nil {
		return nil, err
	}
	a := &model.PointsAccount{
		Owner:   model.UserID(r.str()),
		Balance: r.u64(),
	}
	return a, r.done()
}

// EncodeTicket serializes a delegation ticket.
func EncodeTicket(t *model.DelegationTicket) ([]byte, error) {
	w := newWriter(TagTicket)
	if err := w.str(string(t.Owner)); err != nil {
		return nil, err
	}
	w.bool(t.IsDelegated)
	w.i64(t.DelegatedAt)
	w.u64(t.Nonce)
	return w.buf, nil
}

// DecodeTicket parses bytes written by EncodeTicket.
func DecodeTicket(b []byte) (*model.DelegationTicket, error) {
	r, err := newReader(b, TagTicket)
	if err != nil {
		return nil, err
	}
	t := &model.DelegationTicket{
		Owner:       model.UserID(r.str()),
		IsDelegated: r.bool(),
		DelegatedAt: r.i64(),
		Nonce:       r.u64(),
	}
	return t, r.done()
}

// EncodeWager serializes a wager slot.
func EncodeWager(w *model.Wager) ([]byte, error) {
	if len(w.Asset) > MaxAssetLen {
		return nil, fmt.Errorf("codec: asset name %q longer than %d bytes", w.Asset, MaxAssetLen)
	}
	out := newWriter(TagWager)
	if err := out.str(string(w.Owner)); err != nil {
		return nil, err
	}
	if err := out.str(w.Asset); err != nil {
		return nil, err
	}
	out.u8(uint8(w.Direction))
	out.u64(w.Stake)
	out.u64(uint64(w.OpenedPrice))
	out.i64(w.Expiry)
	out.u64(uint64(w.ResolvedPrice))
	out.u8(uint8(w.Status))
	return out.buf, nil
}

// DecodeWager parses bytes written by EncodeWager.
func DecodeWager(b []byte) (*model.Wager, error) {
	r, err := newReader(b, TagWager)
	if err != nil {
		return nil, err
	}
	w := &model.Wager{
		Owner:         model.UserID(r.str()),
		Asset:         r.str(),
		Direction:     model.Direction(r.u8()),
		Stake:         r.u64(),
		OpenedPrice:   model.Price6(r.u64()),
		Expiry:        r.i64(),
		ResolvedPrice: model.Price6(r.u64()),
		Status:        model.Status(r.u8()),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if w.Status > model.StatusLost {
		return nil, fmt.Errorf("%w: unknown wager status %d", model.ErrCorruptAccount, w.Status)
	}
	return w, nil
}

// EncodeCustody serializes a custody record.
func EncodeCustody(c *model.CustodyRecord) ([]byte, error) {
	w := newWriter(TagCustody)
	if err := w.str(string(c.Owner)); err != nil {
		return nil, err
	}
	w.u8(uint8(c.State))
	w.i64(c.UpdatedAt)
	return w.buf, nil
}

// DecodeCustody parses bytes written by EncodeCustody.
func DecodeCustody(b []byte) (*model.CustodyRecord, error) {
	r, err := newReader(b, TagCustody)
	if err != nil {
		return nil, err
	}
	c := &model.CustodyRecord{
		Owner:     model.UserID(r.str()),
		State:     model.CustodyState(r.u8()),
		UpdatedAt: r.i64(),
	}
	return c, r.done()
}

// --- primitives ---

type writer struct {
	buf []byte
}

func newWriter(tag byte) *writer {
	return &writer{buf: append(make([]byte, 0, 64), tag, Version)}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("codec: string field of %d bytes exceeds limit", len(s))
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// reader is sticky: after the first short read every accessor returns zero
// and done reports the failure.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte, tag byte) (*reader, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes is too short", model.ErrCorruptAccount, len(b))
	}
	if b[0] != tag {
		return nil, fmt.Errorf("%w: tag 0x%02x, want 0x%02x", model.ErrCorruptAccount, b[0], tag)
	}
	if b[1] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", model.ErrCorruptAccount, b[1])
	}
	return &reader{buf: b, off: 2}, nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: unexpected end of data at offset %d", model.ErrCorruptAccount, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	switch v := r.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: invalid bool byte %d", model.ErrCorruptAccount, v)
		}
		return false
	}
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) str() string {
	lb := r.take(2)
	if lb == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(lb))))
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", model.ErrCorruptAccount, len(r.buf)-r.off)
	}
	return nil
}
