package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "oyamarket/core/errors"
	"oyamarket/core/events"
	"oyamarket/crypto"
)

var (
	// AdminRole may grant and revoke roles on a token. It is held by the
	// deployer.
	AdminRole [32]byte
	// MinterRole gates Mint.
	MinterRole [32]byte = ethcrypto.Keccak256Hash([]byte("MINTER_ROLE"))
)

// TokenMetadata describes a token registered in the ledger.
type TokenMetadata struct {
	Address  [20]byte
	Symbol   string
	Name     string
	Decimals uint8
	Admin    [20]byte
	Supply   *big.Int
}

func (t *TokenMetadata) clone() *TokenMetadata {
	if t == nil {
		return nil
	}
	out := *t
	out.Supply = new(big.Int)
	if t.Supply != nil {
		out.Supply.Set(t.Supply)
	}
	return &out
}

var (
	tokenPrefix     = []byte("token:")
	tokenListKey    = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix   = []byte("balance:")
	allowancePrefix = []byte("allowance:")
	rolePrefix      = []byte("role:")
	noncePrefix     = []byte("nonce:")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, p...)
	}
	return ethcrypto.Keccak256(buf)
}

func tokenMetadataKey(token [20]byte) []byte { return prefixedKey(tokenPrefix, token[:]) }

func balanceKey(token, owner [20]byte) []byte {
	return prefixedKey(balancePrefix, token[:], owner[:])
}

func allowanceKey(token, owner, spender [20]byte) []byte {
	return prefixedKey(allowancePrefix, token[:], owner[:], spender[:])
}

func roleKey(token [20]byte, role [32]byte, account [20]byte) []byte {
	return prefixedKey(rolePrefix, token[:], role[:], account[:])
}

func nonceKey(deployer [20]byte) []byte { return prefixedKey(noncePrefix, deployer[:]) }

// toUint256 validates a caller supplied amount.
func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, coreerrors.ErrNegativeAmount
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, coreerrors.ErrBalanceOverflow
	}
	return out, nil
}

func (tx *Tx) loadAmount(key []byte) (*uint256.Int, error) {
	value := new(big.Int)
	ok, err := tx.getRLP(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, coreerrors.ErrBalanceOverflow
	}
	return out, nil
}

func (tx *Tx) storeAmount(key []byte, value *uint256.Int) error {
	return tx.putRLP(key, value.ToBig())
}

// NextNonce returns the deployer's current nonce and increments it.
func (tx *Tx) NextNonce(deployer [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := tx.getRLP(nonceKey(deployer), &nonce); err != nil {
		return 0, err
	}
	if err := tx.putRLP(nonceKey(deployer), nonce+1); err != nil {
		return 0, err
	}
	return nonce, nil
}

// DeployToken registers a token whose address derives from the deployer and
// its nonce. The deployer becomes admin and minter.
func (tx *Tx) DeployToken(deployer [20]byte, symbol, name string, decimals uint8) (*TokenMetadata, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return nil, fmt.Errorf("%w: symbol must not be empty", coreerrors.ErrInvalidToken)
	}
	if len(normalized) > 16 {
		return nil, fmt.Errorf("%w: symbol too long: %s", coreerrors.ErrInvalidToken, normalized)
	}
	if deployer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: deployer must not be empty", coreerrors.ErrInvalidToken)
	}
	nonce, err := tx.NextNonce(deployer)
	if err != nil {
		return nil, err
	}
	meta := &TokenMetadata{
		Address:  crypto.ContractAddress(deployer, nonce),
		Symbol:   normalized,
		Name:     strings.TrimSpace(name),
		Decimals: decimals,
		Admin:    deployer,
		Supply:   big.NewInt(0),
	}
	if err := tx.putRLP(tokenMetadataKey(meta.Address), meta); err != nil {
		return nil, err
	}
	if err := tx.appendList(tokenListKey, meta.Address[:]); err != nil {
		return nil, err
	}
	for _, role := range [][32]byte{AdminRole, MinterRole} {
		if err := tx.putRLP(roleKey(meta.Address, role, deployer), true); err != nil {
			return nil, err
		}
	}
	tx.emit(events.TokenDeployed{
		Token:    meta.Address,
		Symbol:   meta.Symbol,
		Name:     meta.Name,
		Admin:    deployer,
		Decimals: decimals,
	})
	return meta.clone(), nil
}

// Token returns the metadata of a registered token.
func (tx *Tx) Token(token [20]byte) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := tx.getRLP(tokenMetadataKey(token), meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", coreerrors.ErrUnknownToken, crypto.FormatAddress(token))
	}
	if meta.Supply == nil {
		meta.Supply = big.NewInt(0)
	}
	return meta, nil
}

func (tx *Tx) TokenExists(token [20]byte) (bool, error) {
	return tx.getRLP(tokenMetadataKey(token), nil)
}

// Tokens lists registered tokens in deployment order.
func (tx *Tx) Tokens() ([]*TokenMetadata, error) {
	list, err := tx.loadList(tokenListKey)
	if err != nil {
		return nil, err
	}
	out := make([]*TokenMetadata, 0, len(list))
	for _, raw := range list {
		var addr [20]byte
		copy(addr[:], raw)
		meta, err := tx.Token(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// BalanceOf returns the balance of owner. Unknown tokens are an error.
func (tx *Tx) BalanceOf(token, owner [20]byte) (*big.Int, error) {
	if _, err := tx.Token(token); err != nil {
		return nil, err
	}
	bal, err := tx.loadAmount(balanceKey(token, owner))
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

func (tx *Tx) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	if _, err := tx.Token(token); err != nil {
		return nil, err
	}
	allowance, err := tx.loadAmount(allowanceKey(token, owner, spender))
	if err != nil {
		return nil, err
	}
	return allowance.ToBig(), nil
}

// Transfer moves amount of the sender's own balance to the recipient.
func (tx *Tx) Transfer(token, from, to [20]byte, amount *big.Int) error {
	meta, err := tx.Token(token)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if err := tx.move(token, from, to, value); err != nil {
		return err
	}
	tx.emit(events.Transfer{Token: token, Symbol: meta.Symbol, From: from, To: to, Amount: value.ToBig()})
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (tx *Tx) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	if _, err := tx.Token(token); err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if err := tx.storeAmount(allowanceKey(token, owner, spender), value); err != nil {
		return err
	}
	tx.emit(events.Approval{Token: token, Owner: owner, Spender: spender, Amount: value.ToBig()})
	return nil
}

// TransferFrom moves amount from owner to the recipient on behalf of spender,
// consuming the allowance owner granted to spender.
func (tx *Tx) TransferFrom(token, spender, owner, to [20]byte, amount *big.Int) error {
	meta, err := tx.Token(token)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	key := allowanceKey(token, owner, spender)
	allowance, err := tx.loadAmount(key)
	if err != nil {
		return err
	}
	if allowance.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", coreerrors.ErrInsufficientAllowance, allowance.Dec(), value.Dec())
	}
	if err := tx.move(token, owner, to, value); err != nil {
		return err
	}
	if err := tx.storeAmount(key, new(uint256.Int).Sub(allowance, value)); err != nil {
		return err
	}
	tx.emit(events.Transfer{Token: token, Symbol: meta.Symbol, From: owner, To: to, Amount: value.ToBig()})
	return nil
}

func (tx *Tx) move(token, from, to [20]byte, value *uint256.Int) error {
	fromKey := balanceKey(token, from)
	fromBal, err := tx.loadAmount(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", coreerrors.ErrInsufficientBalance, fromBal.Dec(), value.Dec())
	}
	if from == to {
		return nil
	}
	toKey := balanceKey(token, to)
	toBal, err := tx.loadAmount(toKey)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return coreerrors.ErrBalanceOverflow
	}
	if err := tx.storeAmount(fromKey, new(uint256.Int).Sub(fromBal, value)); err != nil {
		return err
	}
	return tx.storeAmount(toKey, credited)
}

// Mint creates amount of new supply for the recipient. The minter must hold
// MinterRole on the token.
func (tx *Tx) Mint(token, minter, to [20]byte, amount *big.Int) error {
	meta, err := tx.Token(token)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	allowed, err := tx.HasRole(token, MinterRole, minter)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s is not a minter of %s", coreerrors.ErrMissingRole, crypto.FormatAddress(minter), meta.Symbol)
	}
	supply, overflow := uint256.FromBig(meta.Supply)
	if overflow {
		return coreerrors.ErrBalanceOverflow
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, value)
	if overflow {
		return coreerrors.ErrBalanceOverflow
	}
	key := balanceKey(token, to)
	bal, err := tx.loadAmount(key)
	if err != nil {
		return err
	}
	// Supply bounds every balance so this addition cannot overflow.
	if err := tx.storeAmount(key, new(uint256.Int).Add(bal, value)); err != nil {
		return err
	}
	meta.Supply = nextSupply.ToBig()
	if err := tx.putRLP(tokenMetadataKey(token), meta); err != nil {
		return err
	}
	tx.emit(events.Mint{Token: token, Symbol: meta.Symbol, Minter: minter, Recipient: to, Amount: value.ToBig()})
	return nil
}

func (tx *Tx) HasRole(token [20]byte, role [32]byte, account [20]byte) (bool, error) {
	var member bool
	if _, err := tx.getRLP(roleKey(token, role, account), &member); err != nil {
		return false, err
	}
	return member, nil
}

// GrantRole adds account to role. The sender must hold AdminRole.
func (tx *Tx) GrantRole(token [20]byte, sender [20]byte, role [32]byte, account [20]byte) error {
	return tx.setRole(token, sender, role, account, true)
}

// RevokeRole removes account from role. The sender must hold AdminRole.
func (tx *Tx) RevokeRole(token [20]byte, sender [20]byte, role [32]byte, account [20]byte) error {
	return tx.setRole(token, sender, role, account, false)
}

func (tx *Tx) setRole(token, sender [20]byte, role [32]byte, account [20]byte, member bool) error {
	if _, err := tx.Token(token); err != nil {
		return err
	}
	admin, err := tx.HasRole(token, AdminRole, sender)
	if err != nil {
		return err
	}
	if !admin {
		return fmt.Errorf("%w: %s is not an admin", coreerrors.ErrMissingRole, crypto.FormatAddress(sender))
	}
	if err := tx.putRLP(roleKey(token, role, account), member); err != nil {
		return err
	}
	if member {
		tx.emit(events.RoleGranted{Token: token, Role: role, Account: account, Sender: sender})
	}
	return nil
}

// ParseRole accepts a well-known role name or a 0x-prefixed 32 byte hash.
func ParseRole(raw string) ([32]byte, error) {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToUpper(trimmed) {
	case "MINTER_ROLE", "MINTER":
		return MinterRole, nil
	case "DEFAULT_ADMIN_ROLE", "ADMIN":
		return AdminRole, nil
	}
	var out [32]byte
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 {
		return out, fmt.Errorf("unknown role %q", raw)
	}
	decoded, err := hex.DecodeString(trimmed[2:])
	if err != nil {
		return out, fmt.Errorf("invalid role %q: %w", raw, err)
	}
	copy(out[:], decoded)
	return out, nil
}
