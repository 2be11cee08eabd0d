package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Of returns the hex sha256 of v's JSON encoding. encoding/json sorts map
// keys, so equal values always produce the same fingerprint.
func Of(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short is the first 16 hex characters of Of, used in ids and log fields.
func Short(v any) (string, error) {
	full, err := Of(v)
	if err != nil {
		return "", err
	}
	return full[:16], nil
}

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
