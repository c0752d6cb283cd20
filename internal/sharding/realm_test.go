package sharding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcHash(t *testing.T) {
	assert.Equal(t, int16(-1008), CalcHash(123))
	assert.Equal(t, uint32(0xfc1063e1), HashID(123))
}

func TestParseRealm(t *testing.T) {
	tests := []struct {
		pattern string
		mask    uint32
		prefix  uint32
		wantErr bool
	}{
		{"#", 0, 0, false},
		{"0.#", 0x80000000, 0, false},
		{"1.#", 0x80000000, 0x80000000, false},
		{"1.0.1.#", 0xe0000000, 0xa0000000, false},
		{"1.0", 0, 0, true},
		{"2.#", 0, 0, true},
		{strings.Repeat("1.", 17) + "#", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			r, err := ParseRealm(tt.pattern)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mask, r.Mask)
			assert.Equal(t, tt.prefix, r.Prefix)
			assert.Equal(t, tt.pattern, r.String())
		})
	}
}

func TestRealm_MatchAndParent(t *testing.T) {
	// HashID(1) = 0xfa5ad9a8, HashID(9) = 0xdb572e5a, HashID(101) = 0x870eba99
	r := MustParseRealm("1.1.1.#")
	assert.True(t, r.Match(1))
	assert.False(t, r.Match(9))
	assert.False(t, r.Match(101))

	// 9 went to the sibling "1.1.0.#" shard on split.
	assert.True(t, r.MatchParent(9))
	assert.True(t, r.IsParentRecord(9))
	assert.False(t, r.IsParentRecord(1))
	assert.False(t, r.IsParentRecord(101))

	assert.Equal(t, "1.1.#", r.Parent().String())
	root := MustParseRealm("#")
	assert.Equal(t, "#", root.Parent().String())
	assert.True(t, root.Match(9))
	assert.True(t, root.MatchStr("https://example.com/666"))
}

func TestRealm_ShardsPartitionTheSpace(t *testing.T) {
	r0 := MustParseRealm("0.#")
	r1 := MustParseRealm("1.#")
	for id := int64(-50); id < 50; id++ {
		assert.NotEqual(t, r0.Match(id), r1.Match(id), "id %d", id)
	}
}

func TestHashFilter(t *testing.T) {
	for _, pattern := range []string{"#", "0.#", "1.1.#", "1.0.1.1.0.#"} {
		r := MustParseRealm(pattern)
		f := r.HashFilter()
		for id := int64(0); id < 300; id++ {
			assert.Equal(t, r.Match(id), f.Match(CalcHash(id)), "realm %s id %d", pattern, id)
		}
	}
}

func TestRoutingKeys(t *testing.T) {
	key := IDRoutingKey(123)
	assert.True(t, strings.HasPrefix(key, "1.1.1.1.1.1.0.0.0.0.0.1.0.0.0.0."))
	assert.Len(t, strings.Split(key, "."), RoutingKeyBits)

	assert.Equal(t, "000000000000007b", DebtorRoutingKey(123))
	assert.Equal(t, "ffffffffffffffff", DebtorRoutingKey(-1))

	assert.Equal(t, "trade.>", MustParseRealm("#").Subject("trade"))
	assert.Equal(t, "trade.1.0.>", MustParseRealm("1.0.#").Subject("trade"))
}
