package escrow

import (
	"encoding/hex"
	"strconv"

	"oyamarket/core/types"
	"oyamarket/crypto"
)

const (
	EventTypeOrderCreated      = "escrow.order.created"
	EventTypeOrderTracking     = "escrow.order.tracking"
	EventTypeOrderCancelled    = "escrow.order.cancelled"
	EventTypeOrderAccepted     = "escrow.order.accepted"
	EventTypeOrderItemAccepted = "escrow.order.item_accepted"
	EventTypeOrderDisputed     = "escrow.order.disputed"
	EventTypeOrderSettled      = "escrow.order.settled"
	EventTypeOrderRewardMinted = "escrow.order.reward_minted"
	EventTypeControllerUpdated = "escrow.controller.updated"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the creation notification. The "id" attribute
// carries the new order identity.
func NewCreatedEvent(r *OrderRecord) *types.Event { return newOrderEvent(EventTypeOrderCreated, r) }

// NewTrackingEvent is emitted when the seller stores tracking details.
func NewTrackingEvent(r *OrderRecord) *types.Event {
	evt := newOrderEvent(EventTypeOrderTracking, r)
	if r != nil {
		evt.Attributes["carrier"] = hex.EncodeToString(r.Tracking.Carrier[:])
		evt.Attributes["trackingId"] = hex.EncodeToString(r.Tracking.TrackingID[:])
	}
	return evt
}

func NewCancelledEvent(r *OrderRecord) *types.Event {
	return newOrderEvent(EventTypeOrderCancelled, r)
}

func NewAcceptedEvent(r *OrderRecord) *types.Event { return newOrderEvent(EventTypeOrderAccepted, r) }

func NewItemAcceptedEvent(r *OrderRecord) *types.Event {
	return newOrderEvent(EventTypeOrderItemAccepted, r)
}

func NewDisputedEvent(r *OrderRecord) *types.Event { return newOrderEvent(EventTypeOrderDisputed, r) }

// NewSettledEvent is emitted when the arbitrator awards the escrow to winner.
func NewSettledEvent(r *OrderRecord, winner [20]byte) *types.Event {
	evt := newOrderEvent(EventTypeOrderSettled, r)
	evt.Attributes["winner"] = crypto.FormatAddress(winner)
	return evt
}

// NewRewardMintedEvent is emitted once per accepted order when the reward was
// minted to both parties.
func NewRewardMintedEvent(r *OrderRecord) *types.Event {
	evt := newOrderEvent(EventTypeOrderRewardMinted, r)
	if r != nil {
		evt.Attributes["rewardToken"] = crypto.FormatAddress(r.Policy.RewardToken)
		evt.Attributes["rewardAmount"] = cloneBigInt(r.Policy.RewardAmount).String()
	}
	return evt
}

// NewControllerUpdatedEvent is emitted after the updater changes a
// configuration field.
func NewControllerUpdatedEvent(cfg *ControllerConfig, field Field) *types.Event {
	attrs := map[string]string{"field": string(field)}
	if cfg != nil {
		attrs["controller"] = crypto.FormatAddress(cfg.Address)
		attrs["rewardToken"] = crypto.FormatAddress(cfg.RewardToken)
		attrs["arbitrator"] = crypto.FormatAddress(cfg.Arbitrator)
		attrs["rewardAmount"] = cloneBigInt(cfg.RewardAmount).String()
	}
	return &types.Event{Type: EventTypeControllerUpdated, Attributes: attrs}
}

func newOrderEvent(eventType string, r *OrderRecord) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeOrder(r)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = crypto.FormatAddress(sanitized.ID)
	attrs["controller"] = crypto.FormatAddress(sanitized.Controller)
	attrs["buyer"] = crypto.FormatAddress(sanitized.Buyer)
	attrs["seller"] = crypto.FormatAddress(sanitized.Seller)
	attrs["token"] = crypto.FormatAddress(sanitized.Token)
	attrs["amount"] = sanitized.Amount.String()
	attrs["disbursed"] = sanitized.Disbursed.String()
	attrs["state"] = sanitized.State.String()
	attrs["outcome"] = sanitized.Outcome.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["updatedAt"] = strconv.FormatInt(sanitized.UpdatedAt, 10)
	if sanitized.AuxToken != ([20]byte{}) {
		attrs["auxToken"] = crypto.FormatAddress(sanitized.AuxToken)
	}
	if sanitized.Policy.Arbitrator != ([20]byte{}) {
		attrs["arbitrator"] = crypto.FormatAddress(sanitized.Policy.Arbitrator)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
