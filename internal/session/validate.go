package session

import (
	"fmt"
	"regexp"
)

// Session names end up as directory names under the chatd home, so the
// accepted alphabet stays narrow: lowercase alphanumerics, dash and
// underscore, at most 64 characters.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that would be unsafe as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
