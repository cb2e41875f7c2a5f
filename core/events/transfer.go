package events

import (
	"math/big"

	"oyamarket/core/types"
	"oyamarket/crypto"
)

const (
	// TypeTransfer is emitted for every ledger balance movement, including
	// transfers executed on behalf of an owner by an approved spender.
	TypeTransfer = "ledger.transfer"
	// TypeApproval is emitted when an owner sets a spender allowance.
	TypeApproval = "ledger.approval"
)

type Transfer struct {
	Token  [20]byte
	Symbol string
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Symbol); asset != "" {
		attrs["asset"] = asset
	}
	attrs["token"] = crypto.FormatAddress(e.Token)
	attrs["from"] = crypto.FormatAddress(e.From)
	attrs["to"] = crypto.FormatAddress(e.To)
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Approval struct {
	Token   [20]byte
	Owner   [20]byte
	Spender [20]byte
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{
		Type: TypeApproval,
		Attributes: map[string]string{
			"token":   crypto.FormatAddress(e.Token),
			"owner":   crypto.FormatAddress(e.Owner),
			"spender": crypto.FormatAddress(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}
