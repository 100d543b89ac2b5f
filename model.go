package treasury

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status uint8

const (
	StatusPending Status = iota + 1
	StatusSecretaryApproved
	StatusCommitteeApproved
	StatusFinanceApproved
	StatusDirectorApproved
	StatusDistributed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:           "pending",
	StatusSecretaryApproved: "secretary_approved",
	StatusCommitteeApproved: "committee_approved",
	StatusFinanceApproved:   "finance_approved",
	StatusDirectorApproved:  "director_approved",
	StatusDistributed:       "distributed",
	StatusCancelled:         "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether the request can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDistributed || s == StatusCancelled
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}

	return fmt.Errorf("unknown status %q", string(b))
}

type Payment struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	TraceID   string          `json:"trace_id"`
	Paid      bool            `json:"paid"`
}

type Request struct {
	ID           uint64          `json:"id"`
	Requester    string          `json:"requester"`
	Payments     []*Payment      `json:"payments"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	DocumentRef  string          `json:"document_ref"`
	VirtualPayer string          `json:"virtual_payer,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Deadline     time.Time       `json:"deadline"`
	ApprovedAt   time.Time       `json:"approved_at,omitempty"`

	Secretary  string   `json:"secretary,omitempty"`
	Committee  string   `json:"committee,omitempty"`
	Finance    string   `json:"finance,omitempty"`
	Additional []string `json:"additional,omitempty"`
	Director   string   `json:"director,omitempty"`
}

// Unpaid sums the payments that have not been transferred yet.
func (r *Request) Unpaid() decimal.Decimal {
	var sum decimal.Decimal
	for _, p := range r.Payments {
		if !p.Paid {
			sum = sum.Add(p.Amount)
		}
	}

	return sum
}

type ClosureStatus uint8

const (
	ClosureInitiated ClosureStatus = iota + 1
	ClosurePartiallyApproved
	ClosureFullyApproved
	ClosureExecuted
	ClosureCancelled
)

var closureStatusNames = map[ClosureStatus]string{
	ClosureInitiated:         "initiated",
	ClosurePartiallyApproved: "partially_approved",
	ClosureFullyApproved:     "fully_approved",
	ClosureExecuted:          "executed",
	ClosureCancelled:         "cancelled",
}

func (s ClosureStatus) String() string {
	if name, ok := closureStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("closure_status(%d)", uint8(s))
}

func (s ClosureStatus) Active() bool {
	return s != ClosureExecuted && s != ClosureCancelled
}

func (s ClosureStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ClosureStatus) UnmarshalText(b []byte) error {
	for k, v := range closureStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}

	return fmt.Errorf("unknown closure status %q", string(b))
}

type Closure struct {
	ID            uint64          `json:"id"`
	Initiator     string          `json:"initiator"`
	ReturnAddress string          `json:"return_address"`
	Reason        string          `json:"reason"`
	Status        ClosureStatus   `json:"status"`
	Committee     []string        `json:"committee,omitempty"`
	Director      string          `json:"director,omitempty"`
	Swept         decimal.Decimal `json:"swept"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Commitment struct {
	Hash        Hash      `json:"hash"`
	CommittedAt time.Time `json:"committed_at"`
}

type Role uint8

const (
	RoleAdmin Role = iota + 1
	RoleRequester
	RoleSecretary
	RoleCommittee
	RoleFinance
	RoleDirector
)

var roleNames = map[Role]string{
	RoleAdmin:     "admin",
	RoleRequester: "requester",
	RoleSecretary: "secretary",
	RoleCommittee: "committee",
	RoleFinance:   "finance",
	RoleDirector:  "director",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}

	return fmt.Sprintf("role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}

	*r = role
	return nil
}

func ParseRole(s string) (Role, error) {
	for k, v := range roleNames {
		if v == strings.ToLower(s) {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func RoleNames() []string {
	names := make([]string, 0, len(roleNames))
	for r := RoleAdmin; r <= RoleDirector; r++ {
		names = append(names, r.String())
	}

	return names
}
