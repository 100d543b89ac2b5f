package treasury

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// RecipientLimit bounds Policy.MaxRecipients.
const RecipientLimit = 10

// Policy holds the limits and timeouts enforced by a treasury instance.
type Policy struct {
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	MinDeposit          decimal.Decimal
	MaxRecipients       int
	MaxDescriptionLen   int
	MaxDocumentRefLen   int
	MaxReasonLen        int
	MaxLockedPercentage decimal.Decimal // fraction of the total balance, 0.8 = 80%
	RevealDelay         time.Duration
	AbandonTimeout      time.Duration
	StaleTimeout        time.Duration
	PaymentWindow       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinAmount:           decimal.NewFromInt(1),
		MaxAmount:           decimal.NewFromInt(1_000_000_000),
		MinDeposit:          decimal.NewFromInt(1),
		MaxRecipients:       RecipientLimit,
		MaxDescriptionLen:   1000,
		MaxDocumentRefLen:   256,
		MaxReasonLen:        500,
		MaxLockedPercentage: decimal.RequireFromString("0.8"),
		RevealDelay:         30 * time.Minute,
		AbandonTimeout:      15 * 24 * time.Hour,
		StaleTimeout:        30 * 24 * time.Hour,
		PaymentWindow:       30 * 24 * time.Hour,
	}
}

func (p Policy) Validate() error {
	switch {
	case !p.MinAmount.IsPositive():
		return fmt.Errorf("%w: min amount must be positive", ErrInvalidInput)
	case p.MaxAmount.LessThan(p.MinAmount):
		return fmt.Errorf("%w: max amount below min amount", ErrInvalidInput)
	case p.MinDeposit.IsNegative():
		return fmt.Errorf("%w: negative min deposit", ErrInvalidInput)
	case p.MaxRecipients <= 0 || p.MaxRecipients > RecipientLimit:
		return fmt.Errorf("%w: max recipients must be in [1, %d]", ErrInvalidInput, RecipientLimit)
	case !p.MaxLockedPercentage.IsPositive() || p.MaxLockedPercentage.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: max locked percentage must be in (0, 1]", ErrInvalidInput)
	case p.RevealDelay < 0 || p.AbandonTimeout <= 0 || p.StaleTimeout <= 0:
		return fmt.Errorf("%w: invalid timeouts", ErrInvalidInput)
	}

	return nil
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

type policyFile struct {
	MinAmount           *decimal.Decimal `toml:"min_amount"`
	MaxAmount           *decimal.Decimal `toml:"max_amount"`
	MinDeposit          *decimal.Decimal `toml:"min_deposit"`
	MaxRecipients       *int             `toml:"max_recipients"`
	MaxDescriptionLen   *int             `toml:"max_description_len"`
	MaxDocumentRefLen   *int             `toml:"max_document_ref_len"`
	MaxReasonLen        *int             `toml:"max_reason_len"`
	MaxLockedPercentage *decimal.Decimal `toml:"max_locked_percentage"`
	RevealDelay         *duration        `toml:"reveal_delay"`
	AbandonTimeout      *duration        `toml:"abandon_timeout"`
	StaleTimeout        *duration        `toml:"stale_timeout"`
	PaymentWindow       *duration        `toml:"payment_window"`
}

// LoadPolicy reads a TOML file over DefaultPolicy. Amounts are strings,
// durations use time.ParseDuration syntax:
//
//	min_amount = "100"
//	reveal_delay = "30m"
func LoadPolicy(path string) (Policy, error) {
	var f policyFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Policy{}, fmt.Errorf("decode policy %s: %w", path, err)
	}

	p := f.apply(DefaultPolicy())
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	return p, nil
}

func (f policyFile) apply(p Policy) Policy {
	if f.MinAmount != nil {
		p.MinAmount = *f.MinAmount
	}
	if f.MaxAmount != nil {
		p.MaxAmount = *f.MaxAmount
	}
	if f.MinDeposit != nil {
		p.MinDeposit = *f.MinDeposit
	}
	if f.MaxRecipients != nil {
		p.MaxRecipients = *f.MaxRecipients
	}
	if f.MaxDescriptionLen != nil {
		p.MaxDescriptionLen = *f.MaxDescriptionLen
	}
	if f.MaxDocumentRefLen != nil {
		p.MaxDocumentRefLen = *f.MaxDocumentRefLen
	}
	if f.MaxReasonLen != nil {
		p.MaxReasonLen = *f.MaxReasonLen
	}
	if f.MaxLockedPercentage != nil {
		p.MaxLockedPercentage = *f.MaxLockedPercentage
	}
	if f.RevealDelay != nil {
		p.RevealDelay = f.RevealDelay.Duration
	}
	if f.AbandonTimeout != nil {
		p.AbandonTimeout = f.AbandonTimeout.Duration
	}
	if f.StaleTimeout != nil {
		p.StaleTimeout = f.StaleTimeout.Duration
	}
	if f.PaymentWindow != nil {
		p.PaymentWindow = f.PaymentWindow.Duration
	}

	return p
}
