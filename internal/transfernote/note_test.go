package transfernote

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	n := Note{TurnID: 42, Kind: Collecting, FirstID: 1, SecondID: -1}
	assert.Equal(t, "Trading session: 2a\nSeller: 1\nCollector: ffffffffffffffff", n.Encode())

	n = Note{TurnID: 1, Kind: Dispatching, FirstID: 255, SecondID: 16}
	assert.Equal(t, "Trading session: 1\nCollector: ff\nBuyer: 10", n.Encode())
}

func TestRoundTrip(t *testing.T) {
	ids := []int64{0, 1, -1, 123, math.MaxInt64, math.MinInt64, -8070450532247928832}
	turns := []int32{0, 1, -1, math.MaxInt32, math.MinInt32}

	for _, kind := range []Kind{Collecting, Sending, Dispatching} {
		for _, turn := range turns {
			for _, a := range ids {
				for _, b := range ids {
					n := Note{TurnID: turn, Kind: kind, FirstID: a, SecondID: b}
					encoded := n.Encode()
					assert.LessOrEqual(t, len(encoded), MaxLength)
					assert.LessOrEqual(t, len(encoded), 100)

					parsed, err := Parse(encoded)
					require.NoError(t, err)
					assert.Equal(t, n, parsed)
				}
			}
		}
	}
}

func TestParse_CRLF(t *testing.T) {
	n, err := Parse("Trading session: 7\r\nCollector: a\r\nCollector: b\r\n")
	require.NoError(t, err)
	assert.Equal(t, Note{TurnID: 7, Kind: Sending, FirstID: 10, SecondID: 11}, n)
}

func TestParse_Invalid(t *testing.T) {
	bad := []string{
		"",
		"Trading session: 7",
		"Trading session: 7\nSeller: 1\nBuyer: 2",
		"Session: 7\nSeller: 1\nCollector: 2",
		"Trading session: 1ffffffff\nSeller: 1\nCollector: 2",
		"Trading session: 7\nSeller: zz\nCollector: 2",
		"Trading session: 7\nSeller:1\nCollector: 2",
	}
	for _, s := range bad {
		_, err := Parse(s)
		assert.Error(t, err, "%q", s)
	}
}

func TestParseFormatted(t *testing.T) {
	note := Note{TurnID: 3, Kind: Collecting, FirstID: 5, SecondID: 6}.Encode()

	_, err := ParseFormatted("", note)
	assert.Error(t, err)

	n, err := ParseFormatted(Format, note)
	require.NoError(t, err)
	assert.Equal(t, int32(3), n.TurnID)
}
