package escrow

import "math/big"

// State is the persistence and ledger backend used by the controller. All
// mutations happen inside EscrowUpdate, which commits atomically or not at
// all.
type State interface {
	EscrowUpdate(func(StateTx) error) error
	OrderGet(id [20]byte) (*OrderRecord, bool, error)
	OrderIDs(controller [20]byte) ([][20]byte, error)
	ControllerGet(addr [20]byte) (*ControllerConfig, bool, error)
	BalanceOf(token, owner [20]byte) (*big.Int, error)
}

// StateTx is the view of the ledgers and escrow records available inside a
// single atomic update.
type StateTx interface {
	NextNonce(deployer [20]byte) (uint64, error)
	TokenExists(token [20]byte) (bool, error)
	BalanceOf(token, owner [20]byte) (*big.Int, error)
	Transfer(token, from, to [20]byte, amount *big.Int) error
	TransferFrom(token, spender, owner, to [20]byte, amount *big.Int) error
	Mint(token, minter, to [20]byte, amount *big.Int) error
	OrderPut(*OrderRecord) error
	ControllerPut(*ControllerConfig) error
}
