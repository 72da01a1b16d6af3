package txmanager

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const GweiDecimals = 9

// ParseBig accepts a decimal or 0x-prefixed hex integer.
func ParseBig(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return ParseHexBig(value)
	}
	if value == "" {
		return nil, errors.New("number is empty")
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid number %q", value)
	}
	return v, nil
}

func ParseHexBig(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("hex value is empty")
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	value = strings.TrimLeft(value, "0")
	if value == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(value, 16)
	if !ok {
		return nil, errors.New("invalid hex number")
	}
	return v, nil
}

// ParseUnits converts a decimal amount such as "1.5" into its integer value
// with the given number of decimals.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, errors.New("amount is empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, errors.New("amount must be non-negative")
	}
	intPart, fracPart, _ := strings.Cut(amount, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("too many decimal places: %d > %d", len(fracPart), decimals)
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", int(decimals)-len(fracPart)), "0")
	if combined == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, errors.New("invalid number format")
	}
	return v, nil
}

// FormatUnits is the inverse of ParseUnits, trimming trailing zeros.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	s := v.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= int(decimals) {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	intPart, fracPart := s[:len(s)-int(decimals)], strings.TrimRight(s[len(s)-int(decimals):], "0")
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
