package apperr

import "regexp"

// MaxIDLength bounds externally supplied identifiers.
const MaxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID rejects identifiers that are empty, too long, or contain
// characters outside letters, digits, '.', '_' and '-'.
func ValidateID(id string) *Error {
	switch {
	case id == "":
		return InvalidSessionID(id, "empty")
	case len(id) > MaxIDLength:
		return InvalidSessionID(id, "too long")
	case !idPattern.MatchString(id):
		return InvalidSessionID(id, "contains disallowed characters")
	}
	return nil
}
