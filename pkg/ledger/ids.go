package ledger

import (
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// IDPrefix names the entity kind encoded in a TypeID.
type IDPrefix string

const (
	PrefixGeneration   IDPrefix = "gen"
	PrefixConversation IDPrefix = "conv"
	PrefixMessage      IDPrefix = "msg"
	PrefixOrder        IDPrefix = "ord"
)

// NewEntityID generates a sortable "prefix_suffix" identifier.
func NewEntityID(prefix IDPrefix) (string, error) {
	generated, err := typeid.Generate(string(prefix))
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return generated.String(), nil
}

// ParseEntityID validates that raw is a TypeID carrying prefix.
func ParseEntityID(raw string, prefix IDPrefix) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", NewValidationError("id", "must not be empty")
	}
	parsed, err := typeid.Parse(trimmed)
	if err != nil {
		return "", NewValidationError("id", "malformed identifier")
	}
	if parsed.Prefix() != string(prefix) {
		return "", NewValidationError("id", "expected %s identifier", prefix)
	}
	return parsed.String(), nil
}
