package treasury

import (
	"context"

	"github.com/dgraph-io/badger/v4"
)

type contextKey int

const (
	// accountContextKey is the context key for the authenticated account.
	accountContextKey contextKey = iota
	txnContextKey
)

func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

func AccountFrom(ctx context.Context) (string, bool) {
	account, ok := ctx.Value(accountContextKey).(string)
	return account, ok && account != ""
}

func withTxn(ctx context.Context, txn *badger.Txn) context.Context {
	return context.WithValue(ctx, txnContextKey, txn)
}

// txnFrom returns the write transaction of the server operation that made
// the ledger call, if any.
func txnFrom(ctx context.Context) (*badger.Txn, bool) {
	txn, ok := ctx.Value(txnContextKey).(*badger.Txn)
	return txn, ok && txn != nil
}
