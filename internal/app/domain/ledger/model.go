// Package ledger holds the value types exchanged with the on-chain ledger.
package ledger

import "github.com/shopspring/decimal"

// DeployParams parameterises a new donation contract.
type DeployParams struct {
	Target              decimal.Decimal
	BeneficiaryAddress  string
	OrganizationAddress string
}

// Submission identifies a broadcast transaction. ValidUntilBlock is the last
// block in which the transaction can still be included.
type Submission struct {
	TxHash          string
	ValidUntilBlock uint32
}

// Receipt is the ledger's record of an executed transaction.
type Receipt struct {
	Mined       bool
	Success     bool
	BlockNumber uint64
	BlockHash   string
	GasUsed     string
	Exception   string
}
