package routes

import (
	"encoding/hex"
	"math/big"

	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/native/escrow"
)

type tokenView struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Admin    string `json:"admin"`
	Supply   string `json:"supply"`
}

func newTokenView(meta *state.TokenMetadata) tokenView {
	return tokenView{
		Address:  crypto.FormatAddress(meta.Address),
		Symbol:   meta.Symbol,
		Name:     meta.Name,
		Decimals: meta.Decimals,
		Admin:    crypto.FormatAddress(meta.Admin),
		Supply:   amountString(meta.Supply),
	}
}

type controllerView struct {
	Address      string `json:"address"`
	Updater      string `json:"updater"`
	RewardToken  string `json:"rewardToken,omitempty"`
	Arbitrator   string `json:"arbitrator,omitempty"`
	RewardAmount string `json:"rewardAmount"`
	Nonce        uint64 `json:"nonce"`
}

func newControllerView(cfg *escrow.ControllerConfig) controllerView {
	return controllerView{
		Address:      crypto.FormatAddress(cfg.Address),
		Updater:      crypto.FormatAddress(cfg.Updater),
		RewardToken:  optionalAddress(cfg.RewardToken),
		Arbitrator:   optionalAddress(cfg.Arbitrator),
		RewardAmount: amountString(cfg.RewardAmount),
		Nonce:        cfg.Nonce,
	}
}

type trackingView struct {
	Carrier     string `json:"carrier"`
	TrackingID  string `json:"trackingId"`
	CarrierHex  string `json:"carrierHex"`
	TrackingHex string `json:"trackingIdHex"`
	HasTracking bool   `json:"hasTracking"`
}

func newTrackingView(carrier, trackingID [32]byte) trackingView {
	view := trackingView{
		CarrierHex:  "0x" + hex.EncodeToString(carrier[:]),
		TrackingHex: "0x" + hex.EncodeToString(trackingID[:]),
		HasTracking: !(escrow.Tracking{Carrier: carrier, TrackingID: trackingID}).IsZero(),
	}
	// Values that are not short strings are still exposed through the hex
	// fields.
	if s, err := escrow.Bytes32ToString(carrier); err == nil {
		view.Carrier = s
	}
	if s, err := escrow.Bytes32ToString(trackingID); err == nil {
		view.TrackingID = s
	}
	return view
}

type orderView struct {
	ID           string       `json:"id"`
	Controller   string       `json:"controller"`
	Buyer        string       `json:"buyer"`
	Seller       string       `json:"seller"`
	Token        string       `json:"token"`
	Amount       string       `json:"amount"`
	AuxToken     string       `json:"auxToken,omitempty"`
	Arbitrator   string       `json:"arbitrator,omitempty"`
	RewardToken  string       `json:"rewardToken,omitempty"`
	RewardAmount string       `json:"rewardAmount"`
	State        string       `json:"state"`
	Outcome      string       `json:"outcome"`
	Disbursed    string       `json:"disbursed"`
	Balance      string       `json:"balance,omitempty"`
	Tracking     trackingView `json:"tracking"`
	CreatedAt    int64        `json:"createdAt"`
	UpdatedAt    int64        `json:"updatedAt"`
}

func newOrderView(rec *escrow.OrderRecord, balance *big.Int) orderView {
	view := orderView{
		ID:           crypto.FormatAddress(rec.ID),
		Controller:   crypto.FormatAddress(rec.Controller),
		Buyer:        crypto.FormatAddress(rec.Buyer),
		Seller:       crypto.FormatAddress(rec.Seller),
		Token:        crypto.FormatAddress(rec.Token),
		Amount:       amountString(rec.Amount),
		AuxToken:     optionalAddress(rec.AuxToken),
		Arbitrator:   optionalAddress(rec.Policy.Arbitrator),
		RewardToken:  optionalAddress(rec.Policy.RewardToken),
		RewardAmount: amountString(rec.Policy.RewardAmount),
		State:        rec.State.String(),
		Outcome:      rec.Outcome.String(),
		Disbursed:    amountString(rec.Disbursed),
		Tracking:     newTrackingView(rec.Tracking.Carrier, rec.Tracking.TrackingID),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if balance != nil {
		view.Balance = balance.String()
	}
	return view
}

func optionalAddress(addr [20]byte) string {
	if addr == crypto.ZeroAddress {
		return ""
	}
	return crypto.FormatAddress(addr)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
