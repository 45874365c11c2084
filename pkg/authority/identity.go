package authority

import (
	"fmt"
	"regexp"
	"strings"
)

// identityRegex matches identities that are safe both as file names in the
// store and as the CN of an index subject. Must start with an alphanumeric
// character and be 1-64 characters long.
var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// reservedIdentities name files of the authority itself
var reservedIdentities = map[string]bool{
	"ca": true,
}

// ValidateIdentity checks that identity can be used as a client name
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity cannot be empty", ErrInvalidIdentity)
	}
	if !identityRegex.MatchString(identity) || strings.Contains(identity, "..") || strings.HasSuffix(identity, ".") {
		return fmt.Errorf("%w: %q must contain only alphanumeric characters, dots, hyphens and underscores, start with alphanumeric, and be 1-64 characters", ErrInvalidIdentity, identity)
	}
	if reservedIdentities[strings.ToLower(identity)] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidIdentity, identity)
	}
	return nil
}
