package routes

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"oyamarket/crypto"
	"oyamarket/services/indexer"
)

type indexedOrderView struct {
	ID           string `json:"id"`
	Controller   string `json:"controller"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Token        string `json:"token"`
	AuxToken     string `json:"auxToken,omitempty"`
	Arbitrator   string `json:"arbitrator,omitempty"`
	Amount       string `json:"amount"`
	Disbursed    string `json:"disbursed"`
	State        string `json:"state"`
	Outcome      string `json:"outcome"`
	Winner       string `json:"winner,omitempty"`
	Carrier      string `json:"carrier,omitempty"`
	TrackingID   string `json:"trackingId,omitempty"`
	RewardMinted bool   `json:"rewardMinted"`
	RewardToken  string `json:"rewardToken,omitempty"`
	RewardAmount string `json:"rewardAmount,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func newIndexedOrderView(row indexer.OrderRow) indexedOrderView {
	return indexedOrderView{
		ID:           row.ID,
		Controller:   row.Controller,
		Buyer:        row.Buyer,
		Seller:       row.Seller,
		Token:        row.Token,
		AuxToken:     row.AuxToken,
		Arbitrator:   row.Arbitrator,
		Amount:       row.Amount,
		Disbursed:    row.Disbursed,
		State:        row.State,
		Outcome:      row.Outcome,
		Winner:       row.Winner,
		Carrier:      row.Carrier,
		TrackingID:   row.TrackingID,
		RewardMinted: row.RewardMinted,
		RewardToken:  row.RewardToken,
		RewardAmount: row.RewardAmount,
		CreatedAt:    row.OpenedAt,
		UpdatedAt:    row.ChangedAt,
	}
}

type historyEntryView struct {
	Type      string          `json:"type"`
	State     string          `json:"state"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func parseIndexQuery(r *http.Request) (indexer.Query, error) {
	values := r.URL.Query()
	q := indexer.Query{State: strings.TrimSpace(values.Get("state"))}
	for _, field := range []struct {
		name string
		dst  *string
	}{{"party", &q.Party}, {"controller", &q.Controller}} {
		raw := strings.TrimSpace(values.Get(field.name))
		if raw == "" {
			continue
		}
		addr, err := parseAddress(field.name, raw)
		if err != nil {
			return q, err
		}
		*field.dst = crypto.FormatAddress(addr)
	}
	for _, field := range []struct {
		name string
		dst  *int64
	}{{"since", &q.Since}, {"until", &q.Until}} {
		raw := strings.TrimSpace(values.Get(field.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return q, badRequest("%s: expected unix seconds", field.name)
		}
		*field.dst = v
	}
	for _, field := range []struct {
		name string
		dst  *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		raw := strings.TrimSpace(values.Get(field.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, badRequest("%s: expected a non-negative integer", field.name)
		}
		*field.dst = v
	}
	return q, nil
}

func (a *api) handleIndexOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseIndexQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := a.index.Orders(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]indexedOrderView, 0, len(rows))
	for _, row := range rows {
		out = append(out, newIndexedOrderView(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) indexedID(r *http.Request) (string, error) {
	addr, err := urlAddress(r, "id")
	if err != nil {
		return "", err
	}
	return crypto.FormatAddress(addr), nil
}

func (a *api) handleIndexOrder(w http.ResponseWriter, r *http.Request) {
	id, err := a.indexedID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	row, err := a.index.Order(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIndexedOrderView(*row))
}

func (a *api) handleIndexHistory(w http.ResponseWriter, r *http.Request) {
	id, err := a.indexedID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := a.index.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyEntryView, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyEntryView{Type: row.Type, State: row.State, Timestamp: row.Timestamp, Payload: json.RawMessage(row.Payload)})
	}
	writeJSON(w, http.StatusOK, out)
}
