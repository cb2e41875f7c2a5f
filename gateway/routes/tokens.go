package routes

import (
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
)

type tokenDeployRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

type amountRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type roleRequest struct {
	Role    string `json:"role"`
	Account string `json:"account"`
	Revoke  bool   `json:"revoke,omitempty"`
}

type balanceResponse struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

type allowanceResponse struct {
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

func (a *api) handleTokenList(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.state.Tokens()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]tokenView, 0, len(tokens))
	for _, meta := range tokens {
		out = append(out, newTokenView(meta))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleTokenDeploy(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req tokenDeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	meta, err := a.state.DeployToken(caller, req.Symbol, req.Name, req.Decimals)
	if err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("token deployed",
		slog.String("token", crypto.FormatAddress(meta.Address)),
		slog.String("symbol", meta.Symbol),
		slog.String("caller", crypto.FormatAddress(caller)))
	writeJSON(w, http.StatusCreated, newTokenView(meta))
}

func (a *api) handleTokenGet(w http.ResponseWriter, r *http.Request) {
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := a.state.Token(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(meta))
}

func (a *api) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := urlAddress(r, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := a.state.BalanceOf(token, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Token:   crypto.FormatAddress(token),
		Owner:   crypto.FormatAddress(owner),
		Balance: balance.String(),
	})
}

func (a *api) handleAllowance(w http.ResponseWriter, r *http.Request) {
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := urlAddress(r, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	spender, err := urlAddress(r, "spender")
	if err != nil {
		writeError(w, err)
		return
	}
	allowance, err := a.state.Allowance(token, owner, spender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allowanceResponse{
		Token:     crypto.FormatAddress(token),
		Owner:     crypto.FormatAddress(owner),
		Spender:   crypto.FormatAddress(spender),
		Allowance: allowance.String(),
	})
}

func (a *api) handleMint(w http.ResponseWriter, r *http.Request) {
	a.handleAmountMove(w, r, a.state.Mint)
}

func (a *api) handleTransfer(w http.ResponseWriter, r *http.Request) {
	a.handleAmountMove(w, r, a.state.Transfer)
}

// handleAmountMove serves the mint and transfer endpoints, which share a
// request shape and differ only in the ledger call.
func (a *api) handleAmountMove(w http.ResponseWriter, r *http.Request, move func(token, caller, to [20]byte, amount *big.Int) error) {
	caller, _ := middleware.CallerFromContext(r.Context())
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := move(token, caller, to, amount); err != nil {
		writeError(w, err)
		return
	}
	balance, err := a.state.BalanceOf(token, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Token:   crypto.FormatAddress(token),
		Owner:   crypto.FormatAddress(to),
		Balance: balance.String(),
	})
}

func (a *api) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.state.Approve(token, caller, spender, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allowanceResponse{
		Token:     crypto.FormatAddress(token),
		Owner:     crypto.FormatAddress(caller),
		Spender:   crypto.FormatAddress(spender),
		Allowance: amount.String(),
	})
}

func (a *api) handleRoles(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	token, err := urlAddress(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, err := state.ParseRole(req.Role)
	if err != nil {
		writeError(w, badRequest("role: %v", err))
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Revoke {
		err = a.state.RevokeRole(token, caller, role, account)
	} else {
		err = a.state.GrantRole(token, caller, role, account)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	member, err := a.state.HasRole(token, role, account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   crypto.FormatAddress(token),
		"role":    strings.TrimSpace(req.Role),
		"account": crypto.FormatAddress(account),
		"member":  member,
	})
}
