package treasury

import (
	"fmt"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/dgraph-io/badger/v4"
)

const (
	// CommitteeQuorum is the number of distinct additional committee
	// approvals a request needs before the director, and the number of
	// committee approvals a closure needs.
	CommitteeQuorum = 3
)

// RequiredRole returns the role allowed to act on a request in status.
func RequiredRole(status Status, additional int) (Role, error) {
	switch status {
	case StatusPending:
		return RoleSecretary, nil
	case StatusSecretaryApproved:
		return RoleCommittee, nil
	case StatusCommitteeApproved:
		return RoleFinance, nil
	case StatusFinanceApproved:
		if additional < CommitteeQuorum {
			return RoleCommittee, nil
		}

		return RoleDirector, nil
	case StatusDirectorApproved:
		// retry of a failed distribution
		return RoleDirector, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
}

// Gate answers capability questions against the role table. Every check
// reads through the caller's transaction so a revoke is visible to the
// next operation.
type Gate struct{}

func (Gate) Has(txn *badger.Txn, role Role, account string) (bool, error) {
	if account == "" {
		return false, nil
	}

	return hasGrant(txn, role, account)
}

// HasAny reports whether account holds at least one of roles.
func (gt Gate) HasAny(txn *badger.Txn, account string, roles ...Role) (bool, error) {
	for _, role := range roles {
		ok, err := gt.Has(txn, role, account)
		if err != nil || ok {
			return ok, err
		}
	}

	return false, nil
}

func (gt Gate) Require(txn *badger.Txn, role Role, account string) error {
	ok, err := gt.Has(txn, role, account)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorizedApprover, account, role)
	}

	return nil
}

func (gt Gate) requireAdmin(txn *badger.Txn, account string) error {
	ok, err := gt.Has(txn, RoleAdmin, account)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotGuardian, account)
	}

	return nil
}

// AuthorizeStage checks that account may commit or reveal on req in its
// current status and returns the role it acts as.
func (gt Gate) AuthorizeStage(txn *badger.Txn, req *Request, account string) (Role, error) {
	role, err := RequiredRole(req.Status, len(req.Additional))
	if err != nil {
		return 0, err
	}

	if err := gt.Require(txn, role, account); err != nil {
		return 0, err
	}

	if req.Status == StatusFinanceApproved && role == RoleCommittee {
		if account == req.Committee || govalidator.IsIn(account, req.Additional...) {
			return 0, fmt.Errorf("%w: %s on request %d", ErrAlreadyApproved, account, req.ID)
		}
	}

	return role, nil
}

// ClosureRole returns the role allowed to approve c next.
func ClosureRole(c *Closure) (Role, error) {
	if !c.Status.Active() {
		return 0, fmt.Errorf("%w: closure %d is %s", ErrInvalidStatus, c.ID, c.Status)
	}

	if len(c.Committee) < CommitteeQuorum {
		return RoleCommittee, nil
	}

	return RoleDirector, nil
}

func (gt Gate) AuthorizeClosure(txn *badger.Txn, c *Closure, account string) (Role, error) {
	role, err := ClosureRole(c)
	if err != nil {
		return 0, err
	}

	if err := gt.Require(txn, role, account); err != nil {
		return 0, err
	}

	if role == RoleCommittee && govalidator.IsIn(account, c.Committee...) {
		return 0, fmt.Errorf("%w: %s on closure %d", ErrAlreadyApproved, account, c.ID)
	}

	return role, nil
}

func (gt Gate) grant(txn *badger.Txn, admin string, role Role, account string, now time.Time) error {
	if err := gt.requireAdmin(txn, admin); err != nil {
		return err
	}

	if account == "" {
		return ErrZeroAddress
	}

	return saveGrant(txn, role, account, &grant{
		GrantedBy: admin,
		GrantedAt: now,
	})
}

func (gt Gate) revoke(txn *badger.Txn, admin string, role Role, account string) error {
	if err := gt.requireAdmin(txn, admin); err != nil {
		return err
	}

	return deleteGrant(txn, role, account)
}
