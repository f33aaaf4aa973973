package query

import (
	"errors"
	"fmt"
	"strings"
)

// IDLength is the number of digits in a national ID.
const IDLength = 11

// ErrInvalidID is returned when an ID search term does not reduce to
// exactly IDLength digits.
var ErrInvalidID = errors.New("invalid national id")

// NormalizeID strips every non-digit character from term and checks that
// exactly IDLength digits remain. "123.456.789-09" and "12345678909"
// normalize to the same value.
func NormalizeID(term string) (string, error) {
	var b strings.Builder
	b.Grow(len(term))
	for _, r := range term {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if len(digits) != IDLength {
		return "", fmt.Errorf("%w: must contain %d digits (got %d)", ErrInvalidID, IDLength, len(digits))
	}
	return digits, nil
}
