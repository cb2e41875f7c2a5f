package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	coreerrors "oyamarket/core/errors"
	"oyamarket/core/events"
	"oyamarket/core/types"
	"oyamarket/crypto"
	"oyamarket/observability/metrics"
)

// Field names a controller configuration entry.
type Field string

const (
	FieldRewardToken  Field = "rewardToken"
	FieldArbitrator   Field = "arbitrator"
	FieldRewardAmount Field = "rewardAmount"
)

// ParseField maps user input onto a configuration field.
func ParseField(raw string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rewardtoken", "reward_token", "reward-token":
		return FieldRewardToken, nil
	case "arbitrator":
		return FieldArbitrator, nil
	case "rewardamount", "reward_amount", "reward-amount":
		return FieldRewardAmount, nil
	default:
		return "", fmt.Errorf("%w: unknown field %q", ErrInvalidConfiguration, raw)
	}
}

// Controller is the order factory and registry. It holds the configuration
// snapshotted into every order it creates and is the approved spender for
// escrow pulls as well as the reward minter.
type Controller struct {
	mu      sync.Mutex
	state   State
	cfg     *ControllerConfig
	orders  map[[20]byte]*Order
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// Deploy creates a new controller whose address is derived from deployer and
// the deployer's next nonce. The updater is fixed for the controller's life.
func Deploy(state State, deployer, updater [20]byte) (*Controller, error) {
	if state == nil {
		return nil, errNilState
	}
	if updater == ([20]byte{}) {
		return nil, fmt.Errorf("%w: updater required", ErrInvalidConfiguration)
	}
	var cfg *ControllerConfig
	err := state.EscrowUpdate(func(tx StateTx) error {
		nonce, err := tx.NextNonce(deployer)
		if err != nil {
			return err
		}
		cfg = &ControllerConfig{
			Address:      crypto.ContractAddress(deployer, nonce),
			Updater:      updater,
			RewardAmount: big.NewInt(0),
		}
		return tx.ControllerPut(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow: deploy controller: %w", err)
	}
	return newController(state, cfg), nil
}

// Load restores a previously deployed controller from state.
func Load(state State, addr [20]byte) (*Controller, error) {
	if state == nil {
		return nil, errNilState
	}
	cfg, ok, err := state.ControllerGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: controller %s not found", crypto.FormatAddress(addr))
	}
	return newController(state, cfg), nil
}

func newController(state State, cfg *ControllerConfig) *Controller {
	return &Controller{
		state:   state,
		cfg:     cfg.Clone(),
		orders:  make(map[[20]byte]*Order),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (c *Controller) SetEmitter(emitter events.Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

func (c *Controller) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (c *Controller) SetNowFunc(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	c.nowFn = now
}

// Address returns the controller identity.
func (c *Controller) Address() [20]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Address
}

// Config returns a copy of the current configuration.
func (c *Controller) Config() *ControllerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// Configure sets one configuration field from its textual form. Addresses
// accept bech32 or hex; an empty value clears an address field.
func (c *Controller) Configure(caller [20]byte, field Field, value string) error {
	trimmed := strings.TrimSpace(value)
	switch field {
	case FieldRewardToken, FieldArbitrator:
		var addr [20]byte
		if trimmed != "" {
			parsed, err := crypto.ParseAddress(trimmed)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
			}
			addr = parsed
		}
		if field == FieldRewardToken {
			return c.SetRewardToken(caller, addr)
		}
		return c.SetArbitrator(caller, addr)
	case FieldRewardAmount:
		amount, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return fmt.Errorf("%w: invalid reward amount %q", ErrInvalidConfiguration, value)
		}
		return c.SetRewardAmount(caller, amount)
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidConfiguration, field)
	}
}

// SetRewardToken sets the reward ledger used by orders created afterwards.
// The token must exist unless it is being cleared.
func (c *Controller) SetRewardToken(caller, token [20]byte) error {
	return c.update(caller, FieldRewardToken, func(tx StateTx, cfg *ControllerConfig) error {
		if token != ([20]byte{}) {
			exists, err := tx.TokenExists(token)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: reward token %s", coreerrors.ErrUnknownToken, crypto.FormatAddress(token))
			}
		}
		cfg.RewardToken = token
		return nil
	})
}

// SetArbitrator sets the dispute arbitrator for orders created afterwards.
func (c *Controller) SetArbitrator(caller, arbitrator [20]byte) error {
	return c.update(caller, FieldArbitrator, func(_ StateTx, cfg *ControllerConfig) error {
		cfg.Arbitrator = arbitrator
		return nil
	})
}

// SetRewardAmount sets the amount minted to each party on item acceptance.
func (c *Controller) SetRewardAmount(caller [20]byte, amount *big.Int) error {
	return c.update(caller, FieldRewardAmount, func(_ StateTx, cfg *ControllerConfig) error {
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("%w: reward amount must be non-negative", ErrInvalidConfiguration)
		}
		cfg.RewardAmount = new(big.Int).Set(amount)
		return nil
	})
}

func (c *Controller) update(caller [20]byte, field Field, mutate func(StateTx, *ControllerConfig) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := "configure." + string(field)
	if caller != c.cfg.Updater {
		metrics.Escrow().ObserveOperation(op, resultLabel(ErrUnauthorized))
		return fmt.Errorf("%w: only the updater may configure the controller", ErrUnauthorized)
	}
	next := c.cfg.Clone()
	err := c.state.EscrowUpdate(func(tx StateTx) error {
		if err := mutate(tx, next); err != nil {
			return err
		}
		return tx.ControllerPut(next)
	})
	if err != nil {
		metrics.Escrow().ObserveOperation(op, resultLabel(err))
		return err
	}
	c.cfg = next
	metrics.Escrow().ObserveOperation(op, "ok")
	metrics.Escrow().ObserveControllerUpdate(string(field))
	c.logger.Info("controller configured",
		slog.String("controller", crypto.FormatAddress(next.Address)),
		slog.String("field", string(field)))
	c.emit(NewControllerUpdatedEvent(next, field))
	return nil
}

// CreateOrder escrows amount of token from the buyer into a new order. The
// caller must be the buyer and must have approved the controller as spender.
// The pull, the order record and the nonce are committed together; on
// failure nothing is persisted and no notification is emitted.
func (c *Controller) CreateOrder(caller, buyer, seller, token [20]byte, amount *big.Int, auxToken [20]byte) (*Order, error) {
	if err := validateOrderInput(caller, buyer, seller, token, amount); err != nil {
		metrics.Escrow().ObserveOperation("createOrder", resultLabel(err))
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	next := c.cfg.Clone()
	id := crypto.ContractAddress(next.Address, next.Nonce)
	record := &OrderRecord{
		ID:         id,
		Controller: next.Address,
		Nonce:      next.Nonce,
		Buyer:      buyer,
		Seller:     seller,
		Token:      token,
		Amount:     new(big.Int).Set(amount),
		AuxToken:   auxToken,
		Policy:     next.policy(),
		State:      OrderCreated,
		Outcome:    OutcomeNone,
		Disbursed:  big.NewInt(0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	next.Nonce++

	err := c.state.EscrowUpdate(func(tx StateTx) error {
		exists, err := tx.TokenExists(token)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: value token %s", coreerrors.ErrUnknownToken, crypto.FormatAddress(token))
		}
		if err := tx.TransferFrom(token, next.Address, buyer, id, amount); err != nil {
			return err
		}
		if err := tx.OrderPut(record); err != nil {
			return err
		}
		return tx.ControllerPut(next)
	})
	if err != nil {
		metrics.Escrow().ObserveOperation("createOrder", resultLabel(err))
		return nil, fmt.Errorf("escrow: create order: %w", err)
	}
	c.cfg = next
	order := newOrder(c, record)
	c.orders[id] = order

	metrics.Escrow().ObserveOperation("createOrder", "ok")
	metrics.Escrow().OrderOpened()
	c.logger.Info("order created",
		slog.String("order", crypto.FormatAddress(id)),
		slog.String("buyer", crypto.FormatAddress(buyer)),
		slog.String("seller", crypto.FormatAddress(seller)),
		slog.String("amount", amount.String()))
	c.emit(NewCreatedEvent(record))
	return order, nil
}

func validateOrderInput(caller, buyer, seller, token [20]byte, amount *big.Int) error {
	var zero [20]byte
	switch {
	case buyer == zero || seller == zero:
		return fmt.Errorf("%w: buyer and seller required", ErrInvalidOrder)
	case buyer == seller:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidOrder)
	case caller != buyer:
		return fmt.Errorf("%w: caller must be the buyer", ErrUnauthorized)
	case token == zero:
		return fmt.Errorf("%w: value token required", ErrInvalidOrder)
	case amount == nil || amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	return nil
}

// Order returns the order with the supplied identity, loading it from state
// when it is not cached.
func (c *Controller) Order(id [20]byte) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderLocked(id)
}

func (c *Controller) orderLocked(id [20]byte) (*Order, error) {
	if order, ok := c.orders[id]; ok {
		return order, nil
	}
	record, ok, err := c.state.OrderGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || record.Controller != c.cfg.Address {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, crypto.FormatAddress(id))
	}
	sanitized, err := SanitizeOrder(record)
	if err != nil {
		return nil, err
	}
	order := newOrder(c, sanitized)
	c.orders[id] = order
	return order, nil
}

// Orders returns every order created by the controller in creation order.
func (c *Controller) Orders() ([]*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.state.OrderIDs(c.cfg.Address)
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		order, err := c.orderLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *Controller) emit(event *types.Event) {
	if c == nil || c.emitter == nil || event == nil {
		return
	}
	c.emitter.Emit(escrowEvent{evt: event})
}

func (c *Controller) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

func (c *Controller) emitAll(evts ...*types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range evts {
		c.emit(evt)
	}
}

func (c *Controller) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConfigurationMissing):
		return "configuration_missing"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidWinner), errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidConfiguration):
		return "invalid_input"
	default:
		return "error"
	}
}
