package treasury

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetLedger is the external token ledger holding the custodied funds.
// Any returned error means the transfer did not happen.
type AssetLedger interface {
	Transfer(ctx context.Context, to string, amount decimal.Decimal, traceID string) error
	TransferFrom(ctx context.Context, from, to string, amount decimal.Decimal, traceID string) error
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// Blocklist is implemented by ledgers that can refuse an account.
type Blocklist interface {
	Blocked(ctx context.Context, account string) (bool, error)
}

var traceNamespace = uuid.MustParse("4b6f1c6e-3c1a-4f0e-9a49-5a8c1f0c2d7e")

// traceID derives a stable id for one transfer so a retried distribution
// reuses the id of the attempt it repeats.
func traceID(parts ...any) string {
	return uuid.NewSHA1(traceNamespace, []byte(fmt.Sprintln(parts...))).String()
}

func checkBlocked(ctx context.Context, ledger AssetLedger, accounts ...string) error {
	bl, ok := ledger.(Blocklist)
	if !ok {
		return nil
	}

	for _, account := range accounts {
		blocked, err := bl.Blocked(ctx, account)
		if err != nil {
			return fmt.Errorf("%w: blocklist %s: %w", ErrTransferFailed, account, err)
		}

		if blocked {
			return fmt.Errorf("%w: %s", ErrRecipientBlocked, account)
		}
	}

	return nil
}
