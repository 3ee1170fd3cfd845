package wire

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/zfunc"
)

func TestInt_RoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("IntRoundTrip", prop.ForAll(
		func(v int64) bool {
			w := NewWriter()
			w.Int(v)
			got, err := NewReader(w.Bytes()).Int()
			return err == nil && got == v
		},
		gen.Int64(),
	))
	properties.TestingRun(t)
}

func TestUint_RoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("UintRoundTrip", prop.ForAll(
		func(v uint64) bool {
			w := NewWriter()
			w.Uint(v)
			got, err := NewReader(w.Bytes()).Uint()
			return err == nil && got == v
		},
		gen.UInt64(),
	))
	properties.TestingRun(t)
}

func TestFloat_RoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("FloatRoundTrip", prop.ForAll(
		func(v float64) bool {
			w := NewWriter()
			w.Float(v)
			got, err := NewReader(w.Bytes()).Float()
			return err == nil && got == v
		},
		gen.Float64Range(-1e12, 1e12),
	))
	properties.TestingRun(t)
}

func TestFloat_SpecialValues(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, math.Copysign(0, -1)} {
		w := NewWriter()
		w.Float(v)
		got, err := NewReader(w.Bytes()).Float()
		require.NoError(t, err)
		if math.IsNaN(v) {
			require.True(t, math.IsNaN(got))
			continue
		}
		require.Equal(t, math.Signbit(v), math.Signbit(got))
		require.Equal(t, v, got)
	}
}

func TestString_RoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("StringRoundTrip", prop.ForAll(
		func(s string) bool {
			w := NewWriter()
			w.String(s)
			got, err := NewReader(w.Bytes()).String()
			return err == nil && got == s
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestTaskBag_RoundTrip(t *testing.T) {
	b := dispatch.TaskBag{
		Requester:    "node-a",
		RequestID:    42,
		FirstTask:    7,
		LastTask:     19,
		Requirements: dispatch.Requirements{Mem: 256, Disk: 1024},
		ForEN:        true,
		FromEN:       false,
	}
	data := EncodeTaskBag(b)

	tag, err := PeekTag(data)
	require.NoError(t, err)
	require.Equal(t, TagTaskBag, tag)

	got, err := DecodeTaskBag(data)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestAvailabilityInfo_RoundTrip(t *testing.T) {
	z := zfunc.NewEmpty(1000, 1000)
	ai := AvailabilityInfo{
		Clusters: []cluster.MDZCluster{
			{Value: 3, MinM: 512, MinD: 2048, MaxZ: z, AccumZsq: 0.5, AccumMaxZ: z},
		},
		MemRange:      4096,
		DiskRange:     16384,
		MinZ:          z,
		MaxZ:          z,
		LengthHorizon: 50000,
		SlownessRange: 0.01,
	}
	data := EncodeAvailabilityInfo(ai)

	tag, err := PeekTag(data)
	require.NoError(t, err)
	require.Equal(t, TagAvailabilityInfo, tag)

	got, err := DecodeAvailabilityInfo(data)
	require.NoError(t, err)
	require.Len(t, got.Clusters, 1)
	require.Equal(t, ai.Clusters[0].Value, got.Clusters[0].Value)
	require.Equal(t, ai.Clusters[0].MinM, got.Clusters[0].MinM)
	require.Equal(t, ai.MemRange, got.MemRange)
	require.Equal(t, ai.DiskRange, got.DiskRange)
	require.Equal(t, ai.LengthHorizon, got.LengthHorizon)
	require.Equal(t, ai.SlownessRange, got.SlownessRange)
	require.Equal(t, z.Power, got.MaxZ.Power)
	require.Equal(t, z.Pieces, got.MaxZ.Pieces)
}

func TestAvailabilityInfo_NilZRoundTrips(t *testing.T) {
	ai := AvailabilityInfo{MemRange: 1, DiskRange: 1}
	data := EncodeAvailabilityInfo(ai)
	got, err := DecodeAvailabilityInfo(data)
	require.NoError(t, err)
	require.Nil(t, got.MinZ)
	require.Nil(t, got.MaxZ)
}

func TestDecodeTaskBag_WrongTagIsMalformed(t *testing.T) {
	data := EncodeAvailabilityInfo(AvailabilityInfo{})
	_, err := DecodeTaskBag(data)
	require.Error(t, err)
}

func TestDecode_TruncatedMessageIsMalformed(t *testing.T) {
	b := dispatch.TaskBag{Requester: "x", RequestID: 1, FirstTask: 0, LastTask: 0}
	data := EncodeTaskBag(b)
	_, err := DecodeTaskBag(data[:len(data)-2])
	require.Error(t, err)
}

func TestArrayLen_RejectsHostileLength(t *testing.T) {
	w := NewWriter()
	w.Tag(TagAvailabilityInfo)
	w.ArrayLen(MaxArrayLen + 1)
	_, err := DecodeAvailabilityInfo(w.Bytes())
	require.Error(t, err)
}
