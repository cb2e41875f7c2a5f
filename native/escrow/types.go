package escrow

import (
	"fmt"
	"math/big"
)

// OrderState represents the lifecycle states of an order. The zero value is
// not a valid state so an unset record is never mistaken for a live order.
type OrderState uint8

const (
	OrderCreated OrderState = iota + 1
	OrderAccepted
	OrderDisputed
	OrderResolved
	OrderCancelled
)

// Valid reports whether the state value is within the supported range.
func (s OrderState) Valid() bool {
	switch s {
	case OrderCreated, OrderAccepted, OrderDisputed, OrderResolved, OrderCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow has been fully disbursed.
func (s OrderState) Terminal() bool {
	return s == OrderResolved || s == OrderCancelled
}

func (s OrderState) String() string {
	switch s {
	case OrderCreated:
		return "created"
	case OrderAccepted:
		return "accepted"
	case OrderDisputed:
		return "disputed"
	case OrderResolved:
		return "resolved"
	case OrderCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Outcome records which terminal variant an order reached.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	// OutcomeAccepted is the cooperative path: the buyer accepted the item.
	OutcomeAccepted
	// OutcomeBuyer and OutcomeSeller are arbitrated settlements.
	OutcomeBuyer
	OutcomeSeller
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeBuyer:
		return "buyer"
	case OutcomeSeller:
		return "seller"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Tracking holds the opaque shipment identifiers set by the seller.
type Tracking struct {
	Carrier    [32]byte
	TrackingID [32]byte
}

// IsZero reports whether tracking has never been set.
func (t Tracking) IsZero() bool {
	return t.Carrier == [32]byte{} && t.TrackingID == [32]byte{}
}

// Policy is the copy of controller configuration taken when an order is
// created. Reconfiguring the controller never alters an existing policy.
type Policy struct {
	Arbitrator   [20]byte
	RewardToken  [20]byte
	RewardAmount *big.Int
	// Minter is the identity holding the minter role on the reward token,
	// i.e. the controller that created the order.
	Minter [20]byte
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	clone := p
	clone.RewardAmount = cloneBigInt(p.RewardAmount)
	return clone
}

// RewardEnabled reports whether acceptance mints a reward.
func (p Policy) RewardEnabled() bool {
	return p.RewardAmount != nil && p.RewardAmount.Sign() > 0
}

// OrderRecord is the persisted state of a single order. The identifier is
// derived from the controller address and its creation nonce.
type OrderRecord struct {
	ID         [20]byte
	Controller [20]byte
	Nonce      uint64
	Buyer      [20]byte
	Seller     [20]byte
	Token      [20]byte
	Amount     *big.Int
	AuxToken   [20]byte
	Policy     Policy
	State      OrderState
	Outcome    Outcome
	Tracking   Tracking
	Disbursed  *big.Int
	CreatedAt  int64
	UpdatedAt  int64
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *OrderRecord) Clone() *OrderRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	clone.Disbursed = cloneBigInt(r.Disbursed)
	clone.Policy = r.Policy.Clone()
	return &clone
}

// Remaining returns the amount still held in custody according to the record.
func (r *OrderRecord) Remaining() *big.Int {
	return new(big.Int).Sub(cloneBigInt(r.Amount), cloneBigInt(r.Disbursed))
}

// SanitizeOrder validates a record loaded from storage and returns a normalised
// copy with non-nil amounts. The input is not mutated.
func SanitizeOrder(r *OrderRecord) (*OrderRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("nil order")
	}
	clone := r.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid order state: %d", clone.State)
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("order amount must be positive")
	}
	if clone.Disbursed.Sign() < 0 || clone.Disbursed.Cmp(clone.Amount) > 0 {
		return nil, fmt.Errorf("order disbursed amount out of range")
	}
	if clone.Policy.RewardAmount.Sign() < 0 {
		return nil, fmt.Errorf("order reward amount must be non-negative")
	}
	return clone, nil
}

// ControllerConfig is the persisted controller record. Updater and Address
// are fixed at deployment.
type ControllerConfig struct {
	Address      [20]byte
	Updater      [20]byte
	RewardToken  [20]byte
	Arbitrator   [20]byte
	RewardAmount *big.Int
	Nonce        uint64
}

// Clone returns a deep copy of the configuration.
func (c *ControllerConfig) Clone() *ControllerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.RewardAmount = cloneBigInt(c.RewardAmount)
	return &clone
}

func (c *ControllerConfig) policy() Policy {
	return Policy{
		Arbitrator:   c.Arbitrator,
		RewardToken:  c.RewardToken,
		RewardAmount: cloneBigInt(c.RewardAmount),
		Minter:       c.Address,
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
