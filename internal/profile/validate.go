package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for names that cannot be used as a profile
// directory or passed to --profile.
var ErrInvalidName = errors.New("invalid profile name")

// Lowercase directory-safe names; a leading '-' would read as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-], starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}
