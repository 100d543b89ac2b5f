package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testInstance = "test"
	testCustody  = "custody"
)

var errLedgerDown = errors.New("ledger down")

type transferCall struct {
	From, To string
	Amount   decimal.Decimal
	TraceID  string
}

// fakeLedger is an in-memory AssetLedger with a blocklist and per-account
// failure injection.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	blocked   map[string]bool
	failTo    map[string]error
	transfers []transferCall
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: map[string]decimal.Decimal{},
		blocked:  map[string]bool{},
		failTo:   map[string]error{},
	}
}

func (l *fakeLedger) move(from, to string, amount decimal.Decimal, traceID string) error {
	if err := l.failTo[to]; err != nil {
		return err
	}

	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("%s holds %s, need %s", from, l.balances[from], amount)
	}

	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	l.transfers = append(l.transfers, transferCall{From: from, To: to, Amount: amount, TraceID: traceID})
	return nil
}

func (l *fakeLedger) Transfer(_ context.Context, to string, amount decimal.Decimal, traceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(testCustody, to, amount, traceID)
}

func (l *fakeLedger) TransferFrom(_ context.Context, from, to string, amount decimal.Decimal, traceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount, traceID)
}

func (l *fakeLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *fakeLedger) Blocked(_ context.Context, account string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[account], nil
}

func (l *fakeLedger) fund(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(decimal.NewFromInt(amount))
}

func (l *fakeLedger) balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

func (l *fakeLedger) fail(account string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failTo, account)
		return
	}

	l.failTo[account] = err
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	db     *badger.DB
	s      *Server
	ledger *fakeLedger
	now    time.Time
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestEnv starts a server whose clock only moves through advance. The
// accounts alice (requester), sec, c1..c5, fin and dir hold their roles;
// admin is bootstrapped.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		t:      t,
		ctx:    context.Background(),
		db:     openTestDB(t),
		ledger: newFakeLedger(),
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	s, err := NewServer(env.db, env.ledger, Config{
		Instance: testInstance,
		Custody:  testCustody,
		Admins:   []string{"admin"},
		Policy:   DefaultPolicy(),

		AuthIssuer: testInstance,
		AuthSecret: testSecret,
	})
	require.NoError(t, err)

	s.now = func() time.Time { return env.now }
	env.s = s

	env.grant(RoleRequester, "alice")
	env.grant(RoleSecretary, "sec")
	for i := 1; i <= 5; i++ {
		env.grant(RoleCommittee, fmt.Sprintf("c%d", i))
	}
	env.grant(RoleFinance, "fin")
	env.grant(RoleDirector, "dir")

	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) grant(role Role, account string) {
	env.t.Helper()
	require.NoError(env.t, env.s.Grant(env.ctx, "admin", role, account))
}

func (env *testEnv) deposit(from string, amount int64) {
	env.t.Helper()
	env.ledger.fund(from, amount)
	require.NoError(env.t, env.s.Deposit(env.ctx, from, decimal.NewFromInt(amount)))
}

func (env *testEnv) createRequest(payments map[string]int64) *Request {
	env.t.Helper()

	var in CreateRequestInput
	for recipient, amount := range payments {
		in.Recipients = append(in.Recipients, recipient)
		in.Amounts = append(in.Amounts, decimal.NewFromInt(amount))
	}
	in.Description = "office rent"

	req, err := env.s.CreateRequest(env.ctx, "alice", in)
	require.NoError(env.t, err)
	return req
}

func testNonce(approver string) []byte {
	return []byte("nonce-" + approver)
}

func testHash(approver string, subject Subject) Hash {
	return CommitmentHash(approver, subject, DomainSeparator(testInstance, subject.Kind), testNonce(approver))
}

// approve commits, waits out the reveal delay and reveals.
func (env *testEnv) approve(approver string, id uint64) (*Request, error) {
	env.t.Helper()

	subject := Subject{Kind: SubjectRequest, ID: id}
	if err := env.s.CommitApproval(env.ctx, approver, id, testHash(approver, subject)); err != nil {
		return nil, err
	}

	env.advance(env.s.cfg.Policy.RevealDelay)
	return env.s.RevealApproval(env.ctx, approver, id, testNonce(approver))
}

func (env *testEnv) mustApprove(approver string, id uint64) *Request {
	env.t.Helper()

	req, err := env.approve(approver, id)
	require.NoError(env.t, err)
	return req
}

// toFinanceApproved runs the secretary, committee and finance stages.
func (env *testEnv) toFinanceApproved(id uint64) *Request {
	env.t.Helper()

	env.mustApprove("sec", id)
	env.mustApprove("c1", id)
	return env.mustApprove("fin", id)
}

// toDirectorReady additionally collects the three extra committee approvals.
func (env *testEnv) toDirectorReady(id uint64) *Request {
	env.t.Helper()

	env.toFinanceApproved(id)
	env.mustApprove("c2", id)
	env.mustApprove("c3", id)
	return env.mustApprove("c4", id)
}

func (env *testEnv) approveClosure(approver string, id uint64) (*Closure, error) {
	env.t.Helper()

	subject := Subject{Kind: SubjectClosure, ID: id}
	if err := env.s.CommitClosureApproval(env.ctx, approver, id, testHash(approver, subject)); err != nil {
		return nil, err
	}

	env.advance(env.s.cfg.Policy.RevealDelay)
	return env.s.ApproveClosure(env.ctx, approver, id, testNonce(approver))
}

func (env *testEnv) balances() Balances {
	env.t.Helper()

	b, err := env.s.Balances(env.ctx)
	require.NoError(env.t, err)
	return b
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
