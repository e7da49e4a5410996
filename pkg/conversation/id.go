// Package conversation derives the canonical identity of a one-to-one conversation.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const prefix = "dm:"

// ErrInvalidID is returned for user ids that cannot take part in a conversation id,
// and for strings that are not conversation ids.
var ErrInvalidID = errors.New("invalid conversation identifier")

// ID returns the conversation id for the unordered pair {a, b}.
// ID(a, b) == ID(b, a) for every valid pair.
func ID(a, b string) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}
	if err := validate(b); err != nil {
		return "", err
	}
	if a > b {
		a, b = b, a
	}
	return prefix + a + ":" + b, nil
}

// Participants splits a conversation id back into its two user ids, lowest first.
func Participants(id string) (string, string, error) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || validate(a) != nil || validate(b) != nil || a > b {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return a, b, nil
}

// Counterpart returns the participant of id that is not userID.
func Counterpart(id, userID string) (string, error) {
	a, b, err := Participants(id)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q is not part of %q", ErrInvalidID, userID, id)
}

// ValidateUser reports whether userID can be part of a conversation id.
func ValidateUser(userID string) error {
	return validate(userID)
}

func validate(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidID)
	}
	if strings.ContainsRune(userID, ':') || strings.IndexFunc(userID, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, userID)
	}
	return nil
}
