package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrEmptyKeyset = errors.New("jwt keyset contains no keys")

// HMACKeyset holds every accepted HS256 secret by key id. Tokens are signed
// with ActiveKID; any listed key verifies, so secrets can rotate without
// invalidating operator tokens already issued.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

func newKeyset(raw map[string]string, active string) (HMACKeyset, error) {
	keys := make(map[string][]byte, len(raw))
	for kid, secret := range raw {
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, ErrEmptyKeyset
	}
	active = strings.TrimSpace(active)
	if active == "" {
		if _, ok := keys["default"]; ok {
			active = "default"
		} else if len(keys) == 1 {
			for kid := range keys {
				active = kid
			}
		}
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

// ParseHMACKeyset builds a keyset from either a single secret or a
// "kid:secret,kid:secret" list. The list wins when both are set.
func ParseHMACKeyset(secret, list, active string) (HMACKeyset, error) {
	raw := make(map[string]string)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, sec, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(kid) == "" || strings.TrimSpace(sec) == "" {
			return HMACKeyset{}, fmt.Errorf("malformed keyset entry %q", pair)
		}
		raw[kid] = sec
	}
	if len(raw) == 0 && strings.TrimSpace(secret) != "" {
		raw["default"] = secret
	}
	return newKeyset(raw, active)
}

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// LoadHMACKeysetFile reads {"active_kid": "...", "keys": {"kid": "secret"}}.
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	ks, err := newKeyset(f.Keys, f.ActiveKID)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file %s: %w", path, err)
	}
	return ks, nil
}
