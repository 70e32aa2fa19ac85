package coding

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 200; i++ {
		var v uint64
		f.Fuzz(&v)

		buf := AppendUvarint(nil, v)
		require.Len(t, buf, UvarintLen(v))

		got, n := ConsumeUvarint(buf)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 200; i++ {
		var s []byte
		f.Fuzz(&s)

		buf := AppendString(nil, s)
		got, n := ConsumeString(buf)
		require.Equal(t, len(buf), n)
		require.Equal(t, s, got)
	}
}

func TestConsumeStringRejectsTruncatedInput(t *testing.T) {
	buf := AppendString(nil, []byte("hello world"))
	_, n := ConsumeString(buf[:len(buf)-1])
	require.Equal(t, -1, n)
}

// TestPropertyListRoundTrip fuzzes a random set of (tag, uvarint-or-string)
// properties and checks PropertyReader replays them in the same order,
// mirroring how segment meta blocks and bucket/db metadata encode their
// tagged fields (spec.md §6).
func TestPropertyListRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 16)

	type prop struct {
		tag    uint64
		isStr  bool
		intVal uint64
		strVal []byte
	}

	for trial := 0; trial < 50; trial++ {
		var n int
		f.Fuzz(&n)
		count := (n % 10) + 1

		var props []prop
		w := NewPropertyWriter(nil)
		nextTag := uint64(MidStart)
		for i := 0; i < count; i++ {
			var isStr bool
			f.Fuzz(&isStr)
			p := prop{tag: nextTag, isStr: isStr}
			nextTag++
			if isStr {
				var s []byte
				f.NumElements(0, 32).Fuzz(&s)
				p.strVal = s
				w.PutString(p.tag, s)
			} else {
				var v uint64
				f.Fuzz(&v)
				p.intVal = v
				w.PutUvarint(p.tag, v)
			}
			props = append(props, p)
		}
		buf := w.Finish()

		r := NewPropertyReader(buf)
		for _, want := range props {
			tag, ok := r.NextTag()
			require.True(t, ok)
			require.Equal(t, want.tag, tag)
			if want.isStr {
				s, err := r.ReadString()
				require.NoError(t, err)
				require.Equal(t, want.strVal, s)
			} else {
				v, err := r.ReadUvarint()
				require.NoError(t, err)
				require.Equal(t, want.intVal, v)
			}
		}
		_, ok := r.NextTag()
		require.False(t, ok)
	}
}
