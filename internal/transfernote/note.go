// Package transfernote encodes and parses the short text attached to every
// settlement transfer so that the receiving side can attribute it to a
// trading turn and a counterparty.
package transfernote

import (
	"fmt"
	"strconv"
	"strings"

	pkgerrors "swpttrade/pkg/errors"
)

// Format is the transfer_note_format tag of every note produced here.
const Format = "agent-1"

// MaxLength is the longest note Encode can produce.
const MaxLength = 82

type Kind int

const (
	// Collecting moves a seller's funds to a collector.
	Collecting Kind = iota + 1
	// Sending moves funds from one collector to another.
	Sending
	// Dispatching moves a collector's funds to a buyer.
	Dispatching
)

func (k Kind) String() string {
	switch k {
	case Collecting:
		return "collecting"
	case Sending:
		return "sending"
	case Dispatching:
		return "dispatching"
	}
	return "unknown"
}

func (k Kind) labels() (string, string, bool) {
	switch k {
	case Collecting:
		return "Seller", "Collector", true
	case Sending:
		return "Collector", "Collector", true
	case Dispatching:
		return "Collector", "Buyer", true
	}
	return "", "", false
}

// Note identifies a settlement transfer. For Collecting, First is the
// seller and Second the collector; for Sending, the sending and the
// receiving collector; for Dispatching, the collector and the buyer.
type Note struct {
	TurnID   int32
	Kind     Kind
	FirstID  int64
	SecondID int64
}

// Encode renders the note. Ids are written as unsigned hexadecimal.
func (n Note) Encode() string {
	first, second, ok := n.Kind.labels()
	if !ok {
		panic(fmt.Sprintf("transfernote: unknown kind %d", n.Kind))
	}
	return fmt.Sprintf(
		"Trading session: %x\n%s: %x\n%s: %x",
		uint32(n.TurnID), first, uint64(n.FirstID), second, uint64(n.SecondID),
	)
}

// Parse is the inverse of Encode. Both LF and CRLF line endings are accepted.
func Parse(s string) (Note, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) != 3 {
		return Note{}, fmt.Errorf("%w: expected 3 lines, got %d", pkgerrors.ErrInvalidTransferNote, len(lines))
	}

	label, value, err := splitLine(lines[0])
	if err != nil {
		return Note{}, err
	}
	if label != "Trading session" {
		return Note{}, fmt.Errorf("%w: unexpected label %q", pkgerrors.ErrInvalidTransferNote, label)
	}
	turnID, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return Note{}, fmt.Errorf("%w: bad trading session %q", pkgerrors.ErrInvalidTransferNote, value)
	}

	firstLabel, firstValue, err := splitLine(lines[1])
	if err != nil {
		return Note{}, err
	}
	secondLabel, secondValue, err := splitLine(lines[2])
	if err != nil {
		return Note{}, err
	}

	var kind Kind
	switch {
	case firstLabel == "Seller" && secondLabel == "Collector":
		kind = Collecting
	case firstLabel == "Collector" && secondLabel == "Collector":
		kind = Sending
	case firstLabel == "Collector" && secondLabel == "Buyer":
		kind = Dispatching
	default:
		return Note{}, fmt.Errorf("%w: unexpected labels %q, %q", pkgerrors.ErrInvalidTransferNote, firstLabel, secondLabel)
	}

	first, err := parseID(firstValue)
	if err != nil {
		return Note{}, err
	}
	second, err := parseID(secondValue)
	if err != nil {
		return Note{}, err
	}

	return Note{TurnID: int32(uint32(turnID)), Kind: kind, FirstID: first, SecondID: second}, nil
}

// ParseFormatted parses a note only when it carries the expected format tag.
func ParseFormatted(format, s string) (Note, error) {
	if format != Format {
		return Note{}, fmt.Errorf("%w: unknown format %q", pkgerrors.ErrInvalidTransferNote, format)
	}
	return Parse(s)
}

func splitLine(line string) (string, string, error) {
	label, value, ok := strings.Cut(line, ": ")
	if !ok || value == "" {
		return "", "", fmt.Errorf("%w: malformed line %q", pkgerrors.ErrInvalidTransferNote, line)
	}
	return label, value, nil
}

func parseID(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", pkgerrors.ErrInvalidTransferNote, s)
	}
	return int64(v), nil
}
