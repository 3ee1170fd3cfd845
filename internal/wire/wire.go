// Package wire implements the custom binary framing described in
// spec §6: a message-class tag followed by self-describing fields
// (tagged-size integers, a custom double encoding with explicit
// NaN/±Inf/±0 bit patterns, length-prefixed strings and arrays).
//
// Grounded structurally on
// ollama-distributed/pkg/p2p/protocols/protocols.go's
// tag-plus-length-prefixed-frame idiom (readMessage/SendMessage), but
// that package frames JSON behind a fixed 4-byte big-endian header;
// this one has no off-the-shelf match in the pack for the spec's
// bespoke tagged-size-integer and reserved-bit-pattern double format,
// so it is hand-rolled over bytes.Buffer with manual big-endian byte
// packing.
package wire

import (
	"bytes"
	"fmt"
	"math"

	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/coreerr"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/zfunc"
)

// Limits guard the deserializer against a corrupt or hostile length
// field driving an enormous allocation (spec §6 "deserializer rejects
// size > max-for-target-type").
const (
	MaxIntBytes    = 8
	MaxStringBytes = 16 << 20
	MaxArrayLen    = 1 << 20
)

// Reserved double bit patterns (spec §6). These are NOT the IEEE-754
// IsNaN/IsInf patterns; they are the spec's own reserved encodings,
// layered over an otherwise-standard sign/exponent/mantissa layout.
const (
	bitsNaN     = 0x3FFFFFFFFFFFFFFF
	bitsPosInf  = 0x3FFFFFFFFFFFFFFE
	bitsNegInf  = 0xBFFFFFFFFFFFFFFF
	bitsPosZero = 0x7FF0000000000000
	bitsNegZero = 0xFF80000000000000
)

// Writer accumulates a self-describing binary message.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated message.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Tag writes the message-class tag (spec §6: "a message-class tag
// (string)").
func (w *Writer) Tag(tag string) { w.String(tag) }

// Int writes a signed integer with a tagged size byte: ±1..±8 bytes of
// big-endian magnitude, or a bare 0 byte for the value 0.
func (w *Writer) Int(v int64) {
	if v == 0 {
		w.buf.WriteByte(0)
		return
	}
	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = uint64(-v)
	}
	n := magnitudeBytes(mag)
	size := int8(n)
	if neg {
		size = -size
	}
	w.buf.WriteByte(byte(size))
	writeBigEndian(&w.buf, mag, n)
}

// Uint writes an unsigned integer using the same tagged-size scheme,
// always with a non-negative size byte.
func (w *Writer) Uint(v uint64) {
	if v == 0 {
		w.buf.WriteByte(0)
		return
	}
	n := magnitudeBytes(v)
	w.buf.WriteByte(byte(int8(n)))
	writeBigEndian(&w.buf, v, n)
}

// Bool writes a boolean as the tagged integer 0 or 1.
func (w *Writer) Bool(b bool) {
	if b {
		w.Int(1)
		return
	}
	w.Int(0)
}

// Float writes a double using the custom sign/exponent/mantissa
// layout with the spec's reserved special-value bit patterns.
func (w *Writer) Float(f float64) {
	var bits uint64
	switch {
	case math.IsNaN(f):
		bits = bitsNaN
	case math.IsInf(f, 1):
		bits = bitsPosInf
	case math.IsInf(f, -1):
		bits = bitsNegInf
	case f == 0 && math.Signbit(f):
		bits = bitsNegZero
	case f == 0:
		bits = bitsPosZero
	default:
		bits = math.Float64bits(f)
	}
	writeBigEndian(&w.buf, bits, 8)
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Uint(uint64(len(s)))
	w.buf.WriteString(s)
}

// ArrayLen writes an array's element count (spec §6 "length-prefixed
// array").
func (w *Writer) ArrayLen(n int) { w.Uint(uint64(n)) }

func magnitudeBytes(v uint64) int {
	n := 1
	for v>>(8*uint(n)) != 0 {
		n++
	}
	return n
}

func writeBigEndian(buf *bytes.Buffer, v uint64, n int) {
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b)
}

// Reader consumes a self-describing binary message produced by
// Writer, or one produced by a big- or little-endian peer (spec §6
// "accepts cross-endian archives" — see readMagnitude).
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for sequential field reads.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

func (r *Reader) malformed(what string) error {
	return coreerr.New(coreerr.KindMalformedMessage, "wire.Reader", fmt.Errorf("%s: truncated or invalid at offset %d", what, r.pos))
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, r.malformed("take")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Tag reads the message-class tag.
func (r *Reader) Tag() (string, error) { return r.String() }

// Int reads a tagged-size signed integer.
func (r *Reader) Int() (int64, error) {
	sizeByte, err := r.take(1)
	if err != nil {
		return 0, err
	}
	size := int8(sizeByte[0])
	if size == 0 {
		return 0, nil
	}
	neg := size < 0
	n := int(size)
	if neg {
		n = -n
	}
	if n > MaxIntBytes {
		return 0, r.malformed("int size exceeds max-for-target-type")
	}
	mag, err := r.readMagnitude(n)
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(mag), nil
	}
	return int64(mag), nil
}

// Uint reads a tagged-size unsigned integer.
func (r *Reader) Uint() (uint64, error) {
	sizeByte, err := r.take(1)
	if err != nil {
		return 0, err
	}
	size := int8(sizeByte[0])
	if size == 0 {
		return 0, nil
	}
	if size < 0 {
		return 0, r.malformed("negative value where unsigned expected")
	}
	if int(size) > MaxIntBytes {
		return 0, r.malformed("uint size exceeds max-for-target-type")
	}
	return r.readMagnitude(int(size))
}

// Bool reads a tagged integer as a boolean (any nonzero value is true).
func (r *Reader) Bool() (bool, error) {
	v, err := r.Int()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// readMagnitude reads n big-endian bytes. A writer always sends the
// minimal number of bytes, so for n > 1 a zero high byte means the
// big-endian reading would fit in fewer bytes than the size tag says;
// if the little-endian reading of the same bytes does need all n
// bytes, the bytes come from a cross-endian archive and are
// reinterpreted that way instead (spec §6 "accepts cross-endian
// archives").
func (r *Reader) readMagnitude(n int) (uint64, error) {
	b, err := r.take(n)
	if err != nil {
		return 0, err
	}
	be := decodeBigEndian(b)
	if n == 1 || be>>(8*uint(n-1)) != 0 {
		return be, nil
	}
	le := decodeLittleEndian(b)
	if le != 0 && le>>(8*uint(n-1)) != 0 && magnitudeBytes(le) == n {
		return le, nil
	}
	return be, nil
}

func decodeBigEndian(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func decodeLittleEndian(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Float reads a double, recognizing the spec's reserved bit patterns
// before falling back to the standard layout.
func (r *Reader) Float() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	bits := decodeBigEndian(b)
	switch bits {
	case bitsNaN:
		return math.NaN(), nil
	case bitsPosInf:
		return math.Inf(1), nil
	case bitsNegInf:
		return math.Inf(-1), nil
	case bitsPosZero:
		return 0, nil
	case bitsNegZero:
		return math.Copysign(0, -1), nil
	default:
		return math.Float64frombits(bits), nil
	}
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.Uint()
	if err != nil {
		return "", err
	}
	if n > MaxStringBytes {
		return "", r.malformed("string length exceeds max")
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ArrayLen reads an array's element count, rejecting implausibly large
// counts outright rather than attempting to allocate them.
func (r *Reader) ArrayLen() (int, error) {
	n, err := r.Uint()
	if err != nil {
		return 0, err
	}
	if n > MaxArrayLen {
		return 0, r.malformed("array length exceeds max")
	}
	return int(n), nil
}

// Message class tags (spec §6 payload names).
const (
	TagAvailabilityInfo = "AvailabilityInfo"
	TagTaskBag          = "TaskBag"
)

// AvailabilityInfo is the wire payload carrying one branch's
// aggregated availability summary (spec §6).
type AvailabilityInfo struct {
	Clusters      []cluster.MDZCluster
	MemRange      float64
	DiskRange     float64
	MinZ          *zfunc.Z
	MaxZ          *zfunc.Z
	LengthHorizon float64
	SlownessRange float64
}

// EncodeAvailabilityInfo serializes ai with its message-class tag.
func EncodeAvailabilityInfo(ai AvailabilityInfo) []byte {
	w := NewWriter()
	w.Tag(TagAvailabilityInfo)
	w.ArrayLen(len(ai.Clusters))
	for _, c := range ai.Clusters {
		encodeCluster(w, c)
	}
	w.Float(ai.MemRange)
	w.Float(ai.DiskRange)
	encodeZ(w, ai.MinZ)
	encodeZ(w, ai.MaxZ)
	w.Float(ai.LengthHorizon)
	w.Float(ai.SlownessRange)
	return w.Bytes()
}

// DecodeAvailabilityInfo parses an AvailabilityInfo message, checking
// the tag matches.
func DecodeAvailabilityInfo(data []byte) (AvailabilityInfo, error) {
	r := NewReader(data)
	tag, err := r.Tag()
	if err != nil {
		return AvailabilityInfo{}, err
	}
	if tag != TagAvailabilityInfo {
		return AvailabilityInfo{}, r.malformed("unexpected tag " + tag)
	}
	n, err := r.ArrayLen()
	if err != nil {
		return AvailabilityInfo{}, err
	}
	clusters := make([]cluster.MDZCluster, 0, n)
	for i := 0; i < n; i++ {
		c, err := decodeCluster(r)
		if err != nil {
			return AvailabilityInfo{}, err
		}
		clusters = append(clusters, c)
	}
	var ai AvailabilityInfo
	ai.Clusters = clusters
	if ai.MemRange, err = r.Float(); err != nil {
		return AvailabilityInfo{}, err
	}
	if ai.DiskRange, err = r.Float(); err != nil {
		return AvailabilityInfo{}, err
	}
	if ai.MinZ, err = decodeZ(r); err != nil {
		return AvailabilityInfo{}, err
	}
	if ai.MaxZ, err = decodeZ(r); err != nil {
		return AvailabilityInfo{}, err
	}
	if ai.LengthHorizon, err = r.Float(); err != nil {
		return AvailabilityInfo{}, err
	}
	if ai.SlownessRange, err = r.Float(); err != nil {
		return AvailabilityInfo{}, err
	}
	return ai, nil
}

// encodeCluster writes one MDZCluster tuple: (value, minM, minD, maxZ,
// accumZsq, accumMaxZ), per spec §6.
func encodeCluster(w *Writer, c cluster.MDZCluster) {
	w.Int(int64(c.Value))
	w.Float(c.MinM)
	w.Float(c.MinD)
	encodeZ(w, c.MaxZ)
	w.Float(c.AccumZsq)
	encodeZ(w, c.AccumMaxZ)
}

func decodeCluster(r *Reader) (cluster.MDZCluster, error) {
	var c cluster.MDZCluster
	v, err := r.Int()
	if err != nil {
		return c, err
	}
	c.Value = int(v)
	if c.MinM, err = r.Float(); err != nil {
		return c, err
	}
	if c.MinD, err = r.Float(); err != nil {
		return c, err
	}
	if c.MaxZ, err = decodeZ(r); err != nil {
		return c, err
	}
	if c.AccumZsq, err = r.Float(); err != nil {
		return c, err
	}
	if c.AccumMaxZ, err = decodeZ(r); err != nil {
		return c, err
	}
	return c, nil
}

// encodeZ writes a Z function's power and pieces. A nil Z is encoded
// as a zero-piece, zero-power function and reconstructed as nil on
// read, so optional fields (e.g. a cluster with no maxZ yet) round-trip.
func encodeZ(w *Writer, z *zfunc.Z) {
	if z == nil {
		w.Float(0)
		w.ArrayLen(0)
		return
	}
	w.Float(z.Power)
	w.ArrayLen(len(z.Pieces))
	for _, p := range z.Pieces {
		w.Float(p.L)
		w.Float(p.X)
		w.Float(p.Y)
		w.Float(p.Z1)
		w.Float(p.Z2)
	}
}

func decodeZ(r *Reader) (*zfunc.Z, error) {
	power, err := r.Float()
	if err != nil {
		return nil, err
	}
	n, err := r.ArrayLen()
	if err != nil {
		return nil, err
	}
	if n == 0 && power == 0 {
		return nil, nil
	}
	pieces := make([]zfunc.SubFunction, n)
	for i := 0; i < n; i++ {
		var p zfunc.SubFunction
		if p.L, err = r.Float(); err != nil {
			return nil, err
		}
		if p.X, err = r.Float(); err != nil {
			return nil, err
		}
		if p.Y, err = r.Float(); err != nil {
			return nil, err
		}
		if p.Z1, err = r.Float(); err != nil {
			return nil, err
		}
		if p.Z2, err = r.Float(); err != nil {
			return nil, err
		}
		pieces[i] = p
	}
	return &zfunc.Z{Pieces: pieces, Power: power}, nil
}

// EncodeTaskBag serializes a TaskBag with its message-class tag, per
// spec §6: (requester, requestId, firstTask, lastTask, requirements,
// forEN, fromEN).
func EncodeTaskBag(b dispatch.TaskBag) []byte {
	w := NewWriter()
	w.Tag(TagTaskBag)
	w.String(b.Requester)
	w.Uint(b.RequestID)
	w.Uint(b.FirstTask)
	w.Uint(b.LastTask)
	w.Float(b.Requirements.Mem)
	w.Float(b.Requirements.Disk)
	w.Bool(b.ForEN)
	w.Bool(b.FromEN)
	return w.Bytes()
}

// DecodeTaskBag parses a TaskBag message, checking the tag matches.
func DecodeTaskBag(data []byte) (dispatch.TaskBag, error) {
	r := NewReader(data)
	tag, err := r.Tag()
	if err != nil {
		return dispatch.TaskBag{}, err
	}
	if tag != TagTaskBag {
		return dispatch.TaskBag{}, r.malformed("unexpected tag " + tag)
	}
	var b dispatch.TaskBag
	if b.Requester, err = r.String(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.RequestID, err = r.Uint(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.FirstTask, err = r.Uint(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.LastTask, err = r.Uint(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.Requirements.Mem, err = r.Float(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.Requirements.Disk, err = r.Float(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.ForEN, err = r.Bool(); err != nil {
		return dispatch.TaskBag{}, err
	}
	if b.FromEN, err = r.Bool(); err != nil {
		return dispatch.TaskBag{}, err
	}
	return b, nil
}

// PeekTag reads just the message-class tag without consuming the rest
// of data, so a caller can route to the right decoder.
func PeekTag(data []byte) (string, error) {
	r := NewReader(data)
	return r.Tag()
}
