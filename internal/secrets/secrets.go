// Package secrets resolves password directives into usable secrets.
//
// A directive may name its sourcing strategy: "env:VAR" reads an
// environment variable, "literal: text" carries the secret inline, and
// anything else is taken verbatim.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const (
	envPrefix     = "env:"
	literalPrefix = "literal:"

	// maxPasswordFileBytes bounds the password-file read; the original
	// on-disk format stores a single line of at most 199 bytes.
	maxPasswordFileBytes = 199
)

// NotFoundError indicates an env: directive referenced an undefined
// environment variable.
type NotFoundError struct {
	Var string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("secrets: environment variable %q is not set", e.Var)
}

// Resolve applies the directive's sourcing strategy and returns the secret.
//
// For an env: directive naming an undefined variable the directive string
// itself is returned together with a NotFoundError; callers decide whether
// that degrades (log and keep the raw directive) or fails hard.
func Resolve(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, envPrefix):
		name := strings.TrimLeft(raw[len(envPrefix):], " ")
		value, ok := os.LookupEnv(name)
		if !ok {
			return raw, NotFoundError{Var: name}
		}
		return value, nil

	case strings.HasPrefix(raw, literalPrefix):
		return strings.TrimLeft(raw[len(literalPrefix):], " "), nil

	default:
		return raw, nil
	}
}

// ReadPasswordFile reads a secret from path: at most 199 bytes, stopping at
// the first newline or end-of-file. ok is false when the file cannot be
// opened or read, or when nothing was read before the terminator; callers
// treat that as "no secret configured" rather than an error.
func ReadPasswordFile(path string) (secret string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	buf := make([]byte, 0, maxPasswordFileBytes)
	for len(buf) < maxPasswordFileBytes {
		c, err := r.ReadByte()
		if err != nil || c == '\n' {
			break
		}
		buf = append(buf, c)
	}

	if len(buf) == 0 {
		return "", false
	}
	return string(buf), true
}
