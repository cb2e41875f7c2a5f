package state

import (
	"fmt"
	"math/big"

	"oyamarket/native/escrow"
)

var (
	escrowOrderPrefix      = []byte("escrow-order:")
	escrowControllerPrefix = []byte("escrow-controller:")
	escrowOrderListPrefix  = []byte("escrow-controller-orders:")
)

func orderStorageKey(id [20]byte) []byte { return prefixedKey(escrowOrderPrefix, id[:]) }

func controllerStorageKey(addr [20]byte) []byte {
	return prefixedKey(escrowControllerPrefix, addr[:])
}

func orderListKey(controller [20]byte) []byte {
	return prefixedKey(escrowOrderListPrefix, controller[:])
}

type storedOrder struct {
	ID           [20]byte
	Controller   [20]byte
	Nonce        uint64
	Buyer        [20]byte
	Seller       [20]byte
	Token        [20]byte
	Amount       *big.Int
	AuxToken     [20]byte
	Arbitrator   [20]byte
	RewardToken  [20]byte
	RewardAmount *big.Int
	Minter       [20]byte
	State        uint8
	Outcome      uint8
	Carrier      [32]byte
	TrackingID   [32]byte
	Disbursed    *big.Int
	CreatedAt    *big.Int
	UpdatedAt    *big.Int
}

func newStoredOrder(r *escrow.OrderRecord) *storedOrder {
	return &storedOrder{
		ID:           r.ID,
		Controller:   r.Controller,
		Nonce:        r.Nonce,
		Buyer:        r.Buyer,
		Seller:       r.Seller,
		Token:        r.Token,
		Amount:       nonNil(r.Amount),
		AuxToken:     r.AuxToken,
		Arbitrator:   r.Policy.Arbitrator,
		RewardToken:  r.Policy.RewardToken,
		RewardAmount: nonNil(r.Policy.RewardAmount),
		Minter:       r.Policy.Minter,
		State:        uint8(r.State),
		Outcome:      uint8(r.Outcome),
		Carrier:      r.Tracking.Carrier,
		TrackingID:   r.Tracking.TrackingID,
		Disbursed:    nonNil(r.Disbursed),
		CreatedAt:    big.NewInt(r.CreatedAt),
		UpdatedAt:    big.NewInt(r.UpdatedAt),
	}
}

func (s *storedOrder) toRecord() *escrow.OrderRecord {
	return &escrow.OrderRecord{
		ID:         s.ID,
		Controller: s.Controller,
		Nonce:      s.Nonce,
		Buyer:      s.Buyer,
		Seller:     s.Seller,
		Token:      s.Token,
		Amount:     nonNil(s.Amount),
		AuxToken:   s.AuxToken,
		Policy: escrow.Policy{
			Arbitrator:   s.Arbitrator,
			RewardToken:  s.RewardToken,
			RewardAmount: nonNil(s.RewardAmount),
			Minter:       s.Minter,
		},
		State:     escrow.OrderState(s.State),
		Outcome:   escrow.Outcome(s.Outcome),
		Tracking:  escrow.Tracking{Carrier: s.Carrier, TrackingID: s.TrackingID},
		Disbursed: nonNil(s.Disbursed),
		CreatedAt: nonNil(s.CreatedAt).Int64(),
		UpdatedAt: nonNil(s.UpdatedAt).Int64(),
	}
}

type storedController struct {
	Address      [20]byte
	Updater      [20]byte
	RewardToken  [20]byte
	Arbitrator   [20]byte
	RewardAmount *big.Int
	Nonce        uint64
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// OrderPut stores the order record. A record seen for the first time is
// appended to its controller's order index.
func (tx *Tx) OrderPut(r *escrow.OrderRecord) error {
	sanitized, err := escrow.SanitizeOrder(r)
	if err != nil {
		return err
	}
	key := orderStorageKey(sanitized.ID)
	exists, err := tx.getRLP(key, nil)
	if err != nil {
		return err
	}
	if err := tx.putRLP(key, newStoredOrder(sanitized)); err != nil {
		return err
	}
	if !exists {
		return tx.appendList(orderListKey(sanitized.Controller), sanitized.ID[:])
	}
	return nil
}

func (tx *Tx) OrderGet(id [20]byte) (*escrow.OrderRecord, bool, error) {
	stored := new(storedOrder)
	ok, err := tx.getRLP(orderStorageKey(id), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.toRecord(), true, nil
}

// OrderIDs lists a controller's orders in creation order.
func (tx *Tx) OrderIDs(controller [20]byte) ([][20]byte, error) {
	list, err := tx.loadList(orderListKey(controller))
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(list))
	for _, raw := range list {
		if len(raw) != 20 {
			return nil, fmt.Errorf("escrow: malformed order index entry")
		}
		var id [20]byte
		copy(id[:], raw)
		out = append(out, id)
	}
	return out, nil
}

func (tx *Tx) ControllerPut(cfg *escrow.ControllerConfig) error {
	if cfg == nil {
		return fmt.Errorf("escrow: nil controller config")
	}
	return tx.putRLP(controllerStorageKey(cfg.Address), &storedController{
		Address:      cfg.Address,
		Updater:      cfg.Updater,
		RewardToken:  cfg.RewardToken,
		Arbitrator:   cfg.Arbitrator,
		RewardAmount: nonNil(cfg.RewardAmount),
		Nonce:        cfg.Nonce,
	})
}

func (tx *Tx) ControllerGet(addr [20]byte) (*escrow.ControllerConfig, bool, error) {
	stored := new(storedController)
	ok, err := tx.getRLP(controllerStorageKey(addr), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &escrow.ControllerConfig{
		Address:      stored.Address,
		Updater:      stored.Updater,
		RewardToken:  stored.RewardToken,
		Arbitrator:   stored.Arbitrator,
		RewardAmount: nonNil(stored.RewardAmount),
		Nonce:        stored.Nonce,
	}, true, nil
}

// EscrowUpdate adapts Update to the escrow package's transaction interface.
func (m *Manager) EscrowUpdate(fn func(escrow.StateTx) error) error {
	return m.Update(func(tx *Tx) error { return fn(tx) })
}

func (m *Manager) OrderGet(id [20]byte) (*escrow.OrderRecord, bool, error) {
	var (
		record *escrow.OrderRecord
		found  bool
	)
	err := m.View(func(tx *Tx) error {
		var err error
		record, found, err = tx.OrderGet(id)
		return err
	})
	return record, found, err
}

func (m *Manager) OrderIDs(controller [20]byte) ([][20]byte, error) {
	var ids [][20]byte
	err := m.View(func(tx *Tx) error {
		var err error
		ids, err = tx.OrderIDs(controller)
		return err
	})
	return ids, err
}

func (m *Manager) ControllerGet(addr [20]byte) (*escrow.ControllerConfig, bool, error) {
	var (
		cfg   *escrow.ControllerConfig
		found bool
	)
	err := m.View(func(tx *Tx) error {
		var err error
		cfg, found, err = tx.ControllerGet(addr)
		return err
	})
	return cfg, found, err
}

var _ escrow.State = (*Manager)(nil)
var _ escrow.StateTx = (*Tx)(nil)
