// Package sharding maps creditor, debtor and collector ids, and debtor info
// IRIs, onto worker shards.
package sharding

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"

	pkgerrors "swpttrade/pkg/errors"
)

// MaxRealmBits bounds realm depth so that the 16-bit hash columns can be
// filtered exactly.
const MaxRealmBits = 16

// Realm is the set of ids owned by one shard: every id whose 32-bit hash
// has Prefix in the bits selected by Mask.
type Realm struct {
	pattern string
	bits    []byte
	Mask    uint32
	Prefix  uint32
}

// ParseRealm parses a routing-key pattern such as "#", "0.#" or "1.0.1.#".
func ParseRealm(pattern string) (Realm, error) {
	tokens := strings.Split(strings.TrimSpace(pattern), ".")
	if len(tokens) == 0 || tokens[len(tokens)-1] != "#" {
		return Realm{}, fmt.Errorf("%w: %q must end with \"#\"", pkgerrors.ErrInvalidRealm, pattern)
	}
	tokens = tokens[:len(tokens)-1]
	if len(tokens) > MaxRealmBits {
		return Realm{}, fmt.Errorf("%w: %q has more than %d bits", pkgerrors.ErrInvalidRealm, pattern, MaxRealmBits)
	}

	bits := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		switch t {
		case "0":
			bits = append(bits, 0)
		case "1":
			bits = append(bits, 1)
		default:
			return Realm{}, fmt.Errorf("%w: unexpected token %q in %q", pkgerrors.ErrInvalidRealm, t, pattern)
		}
	}
	return newRealm(bits), nil
}

// MustParseRealm is like ParseRealm but panics on error.
func MustParseRealm(pattern string) Realm {
	r, err := ParseRealm(pattern)
	if err != nil {
		panic(err)
	}
	return r
}

func newRealm(bits []byte) Realm {
	r := Realm{bits: bits}
	tokens := make([]string, 0, len(bits)+1)
	for i, b := range bits {
		shift := uint(31 - i)
		r.Mask |= 1 << shift
		if b == 1 {
			r.Prefix |= 1 << shift
		}
		tokens = append(tokens, fmt.Sprint(b))
	}
	r.pattern = strings.Join(append(tokens, "#"), ".")
	return r
}

func (r Realm) String() string {
	if r.pattern == "" {
		return "#"
	}
	return r.pattern
}

// Depth is the number of hash bits that select the realm.
func (r Realm) Depth() int { return len(r.bits) }

// Parent returns the realm this one was split from. The root realm is its
// own parent.
func (r Realm) Parent() Realm {
	if len(r.bits) == 0 {
		return r
	}
	return newRealm(r.bits[:len(r.bits)-1])
}

func (r Realm) matchHash(h uint32) bool {
	return h&r.Mask == r.Prefix
}

// Match reports whether id belongs to the realm.
func (r Realm) Match(id int64) bool {
	return r.matchHash(HashID(id))
}

// MatchStr reports whether a string key (a debtor info IRI) belongs to the
// realm.
func (r Realm) MatchStr(s string) bool {
	return r.matchHash(HashString(s))
}

// MatchParent reports whether id belongs to the parent realm. Used when
// cleaning up after a shard split.
func (r Realm) MatchParent(id int64) bool {
	return r.Parent().Match(id)
}

// MatchParentStr is the string-key variant of MatchParent.
func (r Realm) MatchParentStr(s string) bool {
	return r.Parent().MatchStr(s)
}

// IsParentRecord reports whether id was owned by the parent realm but is
// not owned by this one, i.e. it went to the sibling shard on split.
func (r Realm) IsParentRecord(id int64) bool {
	return !r.Match(id) && r.MatchParent(id)
}

// IsParentRecordStr is the string-key variant of IsParentRecord.
func (r Realm) IsParentRecordStr(s string) bool {
	return !r.MatchStr(s) && r.MatchParentStr(s)
}

// HashFilter returns the 16-bit mask and prefix that select the realm's rows
// by a precomputed CalcHash column: a row with hash h is owned when
// (h XOR prefix) AND mask = 0.
func (r Realm) HashFilter() HashFilter {
	return HashFilter{
		Mask:   int16(uint16(r.Mask >> 16)),
		Prefix: int16(uint16(r.Prefix >> 16)),
	}
}

// HashFilter selects rows by a 16-bit signed hash column.
type HashFilter struct {
	Mask   int16
	Prefix int16
}

// Match applies the filter to a hash value computed by CalcHash.
func (f HashFilter) Match(h int16) bool {
	return (h^f.Prefix)&f.Mask == 0
}

// HashID is the 32-bit MD5-derived hash of a 64-bit id.
func HashID(id int64) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	sum := md5.Sum(b[:])
	return binary.BigEndian.Uint32(sum[:4])
}

// HashString is the 32-bit MD5-derived hash of a UTF-8 string.
func HashString(s string) uint32 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

// CalcHash returns the first two bytes of MD5(id) as a signed big-endian
// integer. Stored in the *_hash columns of per-turn tables.
func CalcHash(id int64) int16 {
	return int16(uint16(HashID(id) >> 16))
}
