package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MicroEUR is a monetary amount in millionths of a euro. Costs are stored
// with six fixed decimal places and all arithmetic stays in integers;
// floating point never touches money.
type MicroEUR int64

// MicrosPerEUR is the fixed-point scale: 1 EUR = 1_000_000 micros.
const MicrosPerEUR = 1_000_000

// EUR converts whole euros to MicroEUR.
func EUR(euros int64) MicroEUR {
	return MicroEUR(euros * MicrosPerEUR)
}

// Micros returns the raw integer amount.
func (m MicroEUR) Micros() int64 {
	return int64(m)
}

// Neg returns the compensating (sign-flipped) amount.
func (m MicroEUR) Neg() MicroEUR {
	return -m
}

// String renders the amount as a six-decimal euro string, e.g. "12.345678".
func (m MicroEUR) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MicrosPerEUR, v%MicrosPerEUR)
}

// MarshalJSON renders the amount as a decimal string so API consumers never
// see a binary float.
func (m MicroEUR) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a decimal string with up to six fractional digits.
func (m *MicroEUR) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ledger: cost must be a decimal string: %w", err)
	}
	parsed, err := ParseEUR(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseEUR parses a decimal euro string ("12.345678", "-0.0001") into
// MicroEUR. More than six fractional digits is an error, not a rounding.
func ParseEUR(s string) (MicroEUR, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("ledger: empty amount")
	}
	neg := false
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}
	intPart, fracPart, _ := strings.Cut(raw, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("ledger: invalid amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 6 {
		return 0, fmt.Errorf("ledger: amount %q exceeds 6 fractional digits", s)
	}
	for len(fracPart) < 6 {
		fracPart += "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: invalid amount %q", s)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: invalid amount %q", s)
	}
	if whole > math.MaxInt64/MicrosPerEUR {
		return 0, fmt.Errorf("ledger: amount %q overflows", s)
	}
	v := whole*MicrosPerEUR + frac
	if neg {
		v = -v
	}
	return MicroEUR(v), nil
}
