package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxIndex is the largest index that fits the two MAC octets reserved for it.
const MaxIndex = 0xffff

// MaxNICs is the number of NIC ordinals a single node can use.
const MaxNICs = 0x100

// DeriveMAC formats OUI:II:II:NN where II:II is the big-endian index and NN
// the zero-based NIC ordinal.
func DeriveMAC(oui string, index, ordinal int) (string, error) {
	prefix, err := normalizeOUI(oui)
	if err != nil {
		return "", err
	}
	if index < 0 || index > MaxIndex {
		return "", fmt.Errorf("index %d out of range 0..%d", index, MaxIndex)
	}
	if ordinal < 0 || ordinal >= MaxNICs {
		return "", fmt.Errorf("nic ordinal %d out of range 0..%d", ordinal, MaxNICs-1)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", prefix, index>>8, index&0xff, ordinal), nil
}

func normalizeOUI(oui string) (string, error) {
	parts := strings.Split(strings.TrimSpace(oui), ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid OUI prefix %q: want three octets", oui)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("invalid OUI prefix %q", oui)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid OUI prefix %q: %w", oui, err)
		}
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":"), nil
}
