package events

import (
	"encoding/hex"
	"math/big"

	"oyamarket/core/types"
	"oyamarket/crypto"
)

const (
	// TypeMint is emitted whenever new supply is minted to a recipient.
	TypeMint = "ledger.mint"
	// TypeTokenDeployed is emitted when a token is registered in the ledger.
	TypeTokenDeployed = "ledger.token_deployed"
	// TypeRoleGranted is emitted when a token admin grants a role.
	TypeRoleGranted = "ledger.role_granted"
)

type Mint struct {
	Token     [20]byte
	Symbol    string
	Minter    [20]byte
	Recipient [20]byte
	Amount    *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	attrs := map[string]string{
		"token":     crypto.FormatAddress(e.Token),
		"minter":    crypto.FormatAddress(e.Minter),
		"recipient": crypto.FormatAddress(e.Recipient),
		"amount":    formatAmount(e.Amount),
	}
	if asset := normalizeAsset(e.Symbol); asset != "" {
		attrs["asset"] = asset
	}
	return &types.Event{Type: TypeMint, Attributes: attrs}
}

type TokenDeployed struct {
	Token    [20]byte
	Symbol   string
	Name     string
	Admin    [20]byte
	Decimals uint8
}

func (TokenDeployed) EventType() string { return TypeTokenDeployed }

func (e TokenDeployed) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenDeployed,
		Attributes: map[string]string{
			"token":  crypto.FormatAddress(e.Token),
			"symbol": normalizeAsset(e.Symbol),
			"name":   e.Name,
			"admin":  crypto.FormatAddress(e.Admin),
		},
	}
}

type RoleGranted struct {
	Token   [20]byte
	Role    [32]byte
	Account [20]byte
	Sender  [20]byte
}

func (RoleGranted) EventType() string { return TypeRoleGranted }

func (e RoleGranted) Event() *types.Event {
	return &types.Event{
		Type: TypeRoleGranted,
		Attributes: map[string]string{
			"token":   crypto.FormatAddress(e.Token),
			"role":    "0x" + hex.EncodeToString(e.Role[:]),
			"account": crypto.FormatAddress(e.Account),
			"sender":  crypto.FormatAddress(e.Sender),
		},
	}
}
