package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	coreerrors "oyamarket/core/errors"
	"oyamarket/core/types"
	"oyamarket/crypto"
	"oyamarket/observability/metrics"
)

// Order is the escrow state machine for a single trade. Every operation holds
// the order mutex for its full duration so at most one mutation is in flight.
// The in-memory record is replaced only after the state update committed.
type Order struct {
	mu     sync.Mutex
	id     [20]byte
	ctrl   *Controller
	record *OrderRecord
}

func newOrder(ctrl *Controller, record *OrderRecord) *Order {
	return &Order{id: record.ID, ctrl: ctrl, record: record.Clone()}
}

// ID returns the order identity, which is also its custody account.
func (o *Order) ID() [20]byte { return o.id }

// Snapshot returns a deep copy of the current record.
func (o *Order) Snapshot() *OrderRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.Clone()
}

// Balance reads the order's custody balance from the value ledger.
func (o *Order) Balance() (*big.Int, error) {
	o.mu.Lock()
	token := o.record.Token
	o.mu.Unlock()
	return o.ctrl.state.BalanceOf(token, o.id)
}

// GetTracking returns the stored tracking pair; both values are zero when
// tracking was never set. Anyone may read it in any state.
func (o *Order) GetTracking() (carrier, trackingID [32]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.Tracking.Carrier, o.record.Tracking.TrackingID
}

// SetTracking stores the shipment identifiers. Only the seller may call it
// and only before the order is terminal; a later call overwrites.
func (o *Order) SetTracking(caller [20]byte, carrier, trackingID [32]byte) error {
	return o.transition(caller, OpSetTracking, func(_ StateTx, next *OrderRecord) ([]*types.Event, error) {
		next.Tracking = Tracking{Carrier: carrier, TrackingID: trackingID}
		return []*types.Event{NewTrackingEvent(next)}, nil
	})
}

// CancelOrder returns the full escrow to the buyer. Either party may cancel
// while the order is still in the created state.
func (o *Order) CancelOrder(caller [20]byte) error {
	return o.transition(caller, OpCancelOrder, func(tx StateTx, next *OrderRecord) ([]*types.Event, error) {
		if err := disburse(tx, next, next.Buyer); err != nil {
			return nil, err
		}
		next.State = OrderCancelled
		next.Outcome = OutcomeCancelled
		return []*types.Event{NewCancelledEvent(next)}, nil
	})
}

// AcceptOrder records the seller's commitment to fulfil. No funds move.
func (o *Order) AcceptOrder(caller [20]byte) error {
	return o.transition(caller, OpAcceptOrder, func(_ StateTx, next *OrderRecord) ([]*types.Event, error) {
		next.State = OrderAccepted
		return []*types.Event{NewAcceptedEvent(next)}, nil
	})
}

// AcceptItem completes the cooperative path: the escrow is paid to the seller
// and, when the policy carries a positive reward, the reward is minted to both
// parties in the same update.
func (o *Order) AcceptItem(caller [20]byte) error {
	return o.transition(caller, OpAcceptItem, func(tx StateTx, next *OrderRecord) ([]*types.Event, error) {
		policy := next.Policy
		if policy.RewardEnabled() && policy.RewardToken == ([20]byte{}) {
			return nil, fmt.Errorf("%w: reward token not set", ErrConfigurationMissing)
		}
		if err := disburse(tx, next, next.Seller); err != nil {
			return nil, err
		}
		out := make([]*types.Event, 0, 2)
		if policy.RewardEnabled() {
			for _, to := range [][20]byte{next.Buyer, next.Seller} {
				if err := tx.Mint(policy.RewardToken, policy.Minter, to, policy.RewardAmount); err != nil {
					// The buyer holds the right role here; a minter gap is
					// a controller setup fault.
					if errors.Is(err, coreerrors.ErrMissingRole) {
						return nil, fmt.Errorf("%w: reward minter: %v", ErrConfigurationMissing, err)
					}
					return nil, fmt.Errorf("mint reward: %w", err)
				}
			}
		}
		next.State = OrderResolved
		next.Outcome = OutcomeAccepted
		out = append(out, NewItemAcceptedEvent(next))
		if policy.RewardEnabled() {
			out = append(out, NewRewardMintedEvent(next))
		}
		return out, nil
	})
}

// DemandRefund moves an accepted order into dispute. No funds move.
func (o *Order) DemandRefund(caller [20]byte) error {
	return o.transition(caller, OpDemandRefund, func(_ StateTx, next *OrderRecord) ([]*types.Event, error) {
		next.State = OrderDisputed
		return []*types.Event{NewDisputedEvent(next)}, nil
	})
}

// SettleDispute awards the full escrow to winner, which must be the buyer or
// the seller. No reward is minted on the arbitrated path.
func (o *Order) SettleDispute(caller, winner [20]byte) error {
	return o.transition(caller, OpSettleDispute, func(tx StateTx, next *OrderRecord) ([]*types.Event, error) {
		var outcome Outcome
		switch winner {
		case next.Buyer:
			outcome = OutcomeBuyer
		case next.Seller:
			outcome = OutcomeSeller
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidWinner, crypto.FormatAddress(winner))
		}
		if err := disburse(tx, next, winner); err != nil {
			return nil, err
		}
		next.State = OrderResolved
		next.Outcome = outcome
		return []*types.Event{NewSettledEvent(next, winner)}, nil
	})
}

type applyFunc func(tx StateTx, next *OrderRecord) ([]*types.Event, error)

// transition authorizes the caller, applies the change to a copy of the record
// inside one state update and only then publishes the new record and its
// events.
func (o *Order) transition(caller [20]byte, op Operation, apply applyFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := Authorize(o.record.State, RolesOf(o.record, caller), op); err != nil {
		metrics.Escrow().ObserveOperation(op.String(), resultLabel(err))
		return err
	}

	next := o.record.Clone()
	next.UpdatedAt = o.ctrl.now()
	var evts []*types.Event
	err := o.ctrl.state.EscrowUpdate(func(tx StateTx) error {
		produced, err := apply(tx, next)
		if err != nil {
			return err
		}
		evts = produced
		return tx.OrderPut(next)
	})
	if err != nil {
		metrics.Escrow().ObserveOperation(op.String(), resultLabel(err))
		return fmt.Errorf("escrow: %s: %w", op, err)
	}

	wasTerminal := o.record.State.Terminal()
	o.record = next
	metrics.Escrow().ObserveOperation(op.String(), "ok")
	if next.State.Terminal() && !wasTerminal {
		metrics.Escrow().ObserveTerminal(next.Outcome.String(), next.Amount)
		if next.Outcome == OutcomeAccepted && next.Policy.RewardEnabled() {
			metrics.Escrow().ObserveRewardMint()
		}
	}
	o.ctrl.log().Info("order transition",
		slog.String("order", crypto.FormatAddress(o.id)),
		slog.String("operation", op.String()),
		slog.String("state", next.State.String()),
		slog.String("outcome", next.Outcome.String()))
	o.ctrl.emitAll(evts...)
	return nil
}

// disburse moves the whole remaining escrow from the order's custody to the
// recipient and marks it as paid out.
func disburse(tx StateTx, rec *OrderRecord, to [20]byte) error {
	remaining := rec.Remaining()
	if remaining.Sign() <= 0 {
		return fmt.Errorf("%w: escrow already disbursed", ErrInvalidState)
	}
	if err := tx.Transfer(rec.Token, rec.ID, to, remaining); err != nil {
		return err
	}
	rec.Disbursed = new(big.Int).Set(rec.Amount)
	return nil
}
