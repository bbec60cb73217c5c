package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// addressRegex matches an EVM address: 0x followed by 40 hex digits.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrInvalidAddress is returned for addresses that are not 0x-prefixed
// 40-hex-digit strings.
var ErrInvalidAddress = errors.New("model: invalid address")

// NormalizeAddress validates an EVM address and returns its canonical
// lowercase form. Every store lookup and write keys on the normalized form,
// so "0xAbC..." and "0xabc..." identify the same position.
func NormalizeAddress(addr string) (string, error) {
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %q (expected 0x + 40 hex digits)", ErrInvalidAddress, addr)
	}
	return strings.ToLower(addr), nil
}
