package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/warren/pkg/audit"
)

// MinShortIDLength is the minimum required length for short subject prefixes.
const MinShortIDLength = 6

// ResolveSubject resolves a subject or a prefix of one against the subjects
// present in events. An exact match always wins, so short task ids like
// "build" work as-is; otherwise the prefix must match exactly one subject.
// Message ids shown truncated by the CLI resolve this way.
func ResolveSubject(events []audit.Event, shortID string) (string, error) {
	subjects := make(map[string]struct{})
	for _, ev := range events {
		if ev.Subject == shortID {
			return shortID, nil
		}
		subjects[ev.Subject] = struct{}{}
	}

	if len(shortID) < MinShortIDLength {
		return "", &NotFoundError{ShortID: shortID}
	}

	var matches []string
	for s := range subjects {
		if strings.HasPrefix(s, shortID) {
			matches = append(matches, s)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no subject matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no subjects found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple subjects matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d subjects", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly error message for ambiguous short IDs.
// Lists all matching subjects (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Short ID '%s' matches %d subjects:\n", err.ShortID, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}

	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the subject."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
