// README: Common money value object used across modules.
package types

// Money is an amount in minor currency units (paise for INR).
type Money struct {
	Amount   int64
	Currency string
}

// Major returns the amount in major units, e.g. rupees.
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}
