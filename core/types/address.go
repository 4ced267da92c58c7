package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nhbchain/crypto"
)

// Address identifies an account participating in escrow deals.
type Address [crypto.AddressLength]byte

// String renders the address in its bech32 form.
func (a Address) String() string {
	return crypto.MustNewAddress(crypto.EscrowPrefix, a[:]).String()
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// ParseAddress accepts either a bech32 address or a 0x-prefixed hex string.
func ParseAddress(value string) (Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Address{}, fmt.Errorf("address required")
	}
	var out Address
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return Address{}, fmt.Errorf("invalid hex address %q", value)
		}
		copy(out[:], common.HexToAddress(trimmed).Bytes())
		return out, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return Address{}, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
