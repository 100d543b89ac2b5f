package treasury

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosureSweepsAndPauses(t *testing.T) {
	env := newTestEnv(t)
	env.deposit("donor", 10_000)

	// an in-flight locked request is swept along with the rest
	req := env.createRequest(map[string]int64{"bob": 1_000})
	env.ledger.fail("bob", errLedgerDown)
	env.toDirectorReady(req.ID)
	_, err := env.approve("dir", req.ID)
	require.ErrorIs(t, err, ErrTransferFailed)

	c, err := env.s.InitiateClosure(env.ctx, "c1", "vault", "key compromise")
	require.NoError(t, err)
	assert.Equal(t, ClosureInitiated, c.Status)

	pending, err := env.s.PendingClosure(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, pending.ID)

	// director waits for the committee
	_, err = env.approveClosure("dir", c.ID)
	assert.ErrorIs(t, err, ErrUnauthorizedApprover)

	got, err := env.approveClosure("c1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosurePartiallyApproved, got.Status)

	_, err = env.approveClosure("c1", c.ID)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	_, err = env.approveClosure("c2", c.ID)
	require.NoError(t, err)
	got, err = env.approveClosure("c3", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureFullyApproved, got.Status)

	got, err = env.approveClosure("dir", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureExecuted, got.Status)
	assert.True(t, got.Swept.Equal(dec(10_000)))

	assert.True(t, env.ledger.balance("vault").Equal(dec(10_000)))
	assert.True(t, env.ledger.balance(testCustody).IsZero())

	b := env.balances()
	assert.True(t, b.Total.IsZero())
	assert.True(t, b.Locked.IsZero())

	paused, err := env.s.Paused(env.ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = env.s.PendingClosure(env.ctx)
	assert.ErrorIs(t, err, ErrClosureNotFound)

	// every mutation now fails
	env.ledger.fund("donor", 10)
	assert.ErrorIs(t, env.s.Deposit(env.ctx, "donor", dec(10)), ErrPaused)
	_, err = env.s.CreateRequest(env.ctx, "alice", CreateRequestInput{
		Recipients:  []string{"bob"},
		Amounts:     []decimal.Decimal{dec(1)},
		Description: "after",
	})
	assert.ErrorIs(t, err, ErrPaused)
	_, err = env.s.CancelRequest(env.ctx, "admin", req.ID)
	assert.ErrorIs(t, err, ErrPaused)
	assert.ErrorIs(t, env.s.Grant(env.ctx, "admin", RoleDirector, "eve"), ErrPaused)
	_, err = env.s.InitiateClosure(env.ctx, "c1", "vault", "again")
	assert.ErrorIs(t, err, ErrPaused)
	_, err = env.s.CancelClosure(env.ctx, "c1", c.ID)
	assert.ErrorIs(t, err, ErrActionAlreadyExecuted)

	// the pause is checked before any input validation
	assert.ErrorIs(t, env.s.Deposit(env.ctx, "", dec(0)), ErrPaused)
	_, err = env.s.CreateRequest(env.ctx, "alice", CreateRequestInput{})
	assert.ErrorIs(t, err, ErrPaused)
	_, err = env.s.InitiateClosure(env.ctx, "alice", "", "")
	assert.ErrorIs(t, err, ErrPaused)

	n, err := env.s.reap(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClosureSweepFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.deposit("donor", 1_000)

	c, err := env.s.InitiateClosure(env.ctx, "dir", "vault", "migration")
	require.NoError(t, err)

	for _, m := range []string{"c1", "c2", "c3"} {
		_, err := env.approveClosure(m, c.ID)
		require.NoError(t, err)
	}

	env.ledger.fail("vault", errLedgerDown)
	_, err = env.approveClosure("dir", c.ID)
	assert.ErrorIs(t, err, ErrTransferFailed)

	got, err := env.s.GetClosure(env.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureFullyApproved, got.Status)
	assert.True(t, env.balances().Total.Equal(dec(1_000)))

	paused, err := env.s.Paused(env.ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	env.ledger.fail("vault", nil)
	got, err = env.approveClosure("dir", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureExecuted, got.Status)
}

func TestInitiateClosureChecks(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.s.InitiateClosure(env.ctx, "alice", "vault", "why")
	assert.ErrorIs(t, err, ErrUnauthorizedApprover)

	_, err = env.s.InitiateClosure(env.ctx, "c1", "", "why")
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = env.s.InitiateClosure(env.ctx, "c1", "vault", strings.Repeat("x", 501))
	assert.ErrorIs(t, err, ErrInvalidInput)

	c, err := env.s.InitiateClosure(env.ctx, "c1", "vault", "why")
	require.NoError(t, err)

	_, err = env.s.InitiateClosure(env.ctx, "c2", "vault", "twice")
	assert.ErrorIs(t, err, ErrClosureActive)

	_, err = env.s.CancelClosure(env.ctx, "c2", c.ID)
	assert.ErrorIs(t, err, ErrNotGuardian)

	got, err := env.s.CancelClosure(env.ctx, "c1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureCancelled, got.Status)

	_, err = env.s.CancelClosure(env.ctx, "admin", c.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = env.approveClosure("c2", c.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// a new closure may start once the previous one is cancelled
	next, err := env.s.InitiateClosure(env.ctx, "c2", "vault", "again")
	require.NoError(t, err)
	assert.Equal(t, c.ID+1, next.ID)

	_, err = env.s.GetClosure(env.ctx, 99)
	assert.ErrorIs(t, err, ErrClosureNotFound)
}
