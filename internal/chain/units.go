package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// GASDecimals is the precision of the GAS token.
const GASDecimals int32 = 8

// ToLedgerUnits converts a base-unit amount to the token's integer units.
// Amounts carrying more fractional digits than the token supports are
// rejected instead of rounded.
func ToLedgerUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromLedgerUnits converts integer token units back to a base-unit amount.
func FromLedgerUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
