package order

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	numberPrefix      = "ORD"
	numberRandomChars = 6
)

// NumberGenerator produces candidate order numbers.
type NumberGenerator func(at time.Time) string

// NewNumber returns "ORD-<base36 millis>-<random>", upper case.
func NewNumber(at time.Time) string {
	stamp := strconv.FormatInt(at.UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:numberRandomChars]
	return strings.ToUpper(numberPrefix + "-" + stamp + "-" + random)
}

// NormalizeNumber upper-cases a caller supplied order number for lookups.
func NormalizeNumber(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
