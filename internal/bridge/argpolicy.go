package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafeArgument is returned when a subprocess argument fails the policy.
var ErrUnsafeArgument = errors.New("unsafe argument")

const maxArgLen = 4096

// Arguments are passed to exec directly, never through a shell, so metachars
// cannot expand. They are still rejected: an argument carrying shell syntax
// is almost always an injection attempt against whatever the subprocess does
// with it downstream.
var forbiddenChars = []string{";", "|", "&", "$", ">", "<", "`", "\n", "\x00"}

var forbiddenFragments = []string{"$(", "&&", "||"}

// ValidateArgs applies the subprocess argument policy to every argument.
func ValidateArgs(args []string) error {
	for i, arg := range args {
		if err := validateArg(arg); err != nil {
			return fmt.Errorf("arg[%d]: %w", i, err)
		}
	}
	return nil
}

func validateArg(arg string) error {
	if len(arg) > maxArgLen {
		return fmt.Errorf("%w: length %d exceeds %d", ErrUnsafeArgument, len(arg), maxArgLen)
	}
	for _, c := range forbiddenChars {
		if strings.Contains(arg, c) {
			return fmt.Errorf("%w: contains forbidden character %q", ErrUnsafeArgument, c)
		}
	}
	for _, f := range forbiddenFragments {
		if strings.Contains(arg, f) {
			return fmt.Errorf("%w: contains forbidden sequence %q", ErrUnsafeArgument, f)
		}
	}
	return nil
}
