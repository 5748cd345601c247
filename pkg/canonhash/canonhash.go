// Package canonhash digests JSON-shaped values such as contract records and
// state snapshots. encoding/json writes map keys in sorted order, so maps with
// equal contents always digest the same.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func Sum(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Equal reports whether a and b render to the same JSON. Values that cannot
// be encoded are never equal.
func Equal(a, b any) bool {
	ha, err := Sum(a)
	if err != nil {
		return false
	}
	hb, err := Sum(b)
	return err == nil && ha == hb
}
