package chain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid address: expected 0x followed by 40 hex characters")

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress accepts a 0x-prefixed 20-byte hex address in any case.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !addressRe.MatchString(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress validates s and returns its lowercase form, which is the
// key format used by the contract store.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}
