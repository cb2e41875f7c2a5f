package routes

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
	"oyamarket/native/escrow"
	telemetry "oyamarket/observability/otel"
)

type orderCreateRequest struct {
	Buyer    string `json:"buyer,omitempty"`
	Seller   string `json:"seller"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	AuxToken string `json:"auxToken,omitempty"`
}

type trackingRequest struct {
	Carrier    string `json:"carrier"`
	TrackingID string `json:"trackingId"`
}

type settleRequest struct {
	Winner string `json:"winner"`
}

type configureRequest struct {
	Value string `json:"value"`
}

// traced runs fn inside a span named after the escrow operation.
func traced(ctx context.Context, name string, id [20]byte, fn func() error) error {
	_, span := telemetry.Tracer().Start(ctx, "escrow."+name)
	defer span.End()
	if id != crypto.ZeroAddress {
		span.SetAttributes(attribute.String("escrow.order", crypto.FormatAddress(id)))
	}
	err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *api) handleControllerGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newControllerView(a.ctrl.Config()))
}

func (a *api) handleControllerConfigure(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	field, err := escrow.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req configureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err = traced(r.Context(), "configure", crypto.ZeroAddress, func() error {
		return a.ctrl.Configure(caller, field, req.Value)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newControllerView(a.ctrl.Config()))
}

func (a *api) handleOrderCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req orderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	buyer := caller
	if strings.TrimSpace(req.Buyer) != "" {
		parsed, err := parseAddress("buyer", req.Buyer)
		if err != nil {
			writeError(w, err)
			return
		}
		buyer = parsed
	}
	seller, err := parseAddress("seller", req.Seller)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	aux, err := parseOptionalAddress("auxToken", req.AuxToken)
	if err != nil {
		writeError(w, err)
		return
	}
	var order *escrow.Order
	err = traced(r.Context(), "createOrder", crypto.ZeroAddress, func() error {
		var createErr error
		order, createErr = a.ctrl.CreateOrder(caller, buyer, seller, token, amount, aux)
		return createErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeOrder(w, http.StatusCreated, order)
}

func (a *api) handleOrderList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var party [20]byte
	if raw := strings.TrimSpace(query.Get("party")); raw != "" {
		parsed, err := parseAddress("party", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		party = parsed
	}
	stateFilter := strings.ToLower(strings.TrimSpace(query.Get("state")))

	orders, err := a.ctrl.Orders()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, order := range orders {
		rec := order.Snapshot()
		if stateFilter != "" && rec.State.String() != stateFilter {
			continue
		}
		if party != crypto.ZeroAddress && escrow.RolesOf(rec, party) == escrow.RoleNone {
			continue
		}
		out = append(out, newOrderView(rec, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) lookupOrder(w http.ResponseWriter, r *http.Request) (*escrow.Order, bool) {
	id, err := urlAddress(r, "id")
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	order, err := a.ctrl.Order(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return order, true
}

func (a *api) writeOrder(w http.ResponseWriter, status int, order *escrow.Order) {
	balance, err := order.Balance()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, newOrderView(order.Snapshot(), balance))
}

func (a *api) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	order, ok := a.lookupOrder(w, r)
	if !ok {
		return
	}
	a.writeOrder(w, http.StatusOK, order)
}

func (a *api) handleTrackingGet(w http.ResponseWriter, r *http.Request) {
	order, ok := a.lookupOrder(w, r)
	if !ok {
		return
	}
	carrier, trackingID := order.GetTracking()
	writeJSON(w, http.StatusOK, newTrackingView(carrier, trackingID))
}

func (a *api) handleTrackingSet(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	order, ok := a.lookupOrder(w, r)
	if !ok {
		return
	}
	var req trackingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	carrier, err := escrow.Bytes32FromString(req.Carrier)
	if err != nil {
		writeError(w, badRequest("carrier: %v", err))
		return
	}
	trackingID, err := escrow.Bytes32FromString(req.TrackingID)
	if err != nil {
		writeError(w, badRequest("trackingId: %v", err))
		return
	}
	err = traced(r.Context(), escrow.OpSetTracking.String(), order.ID(), func() error {
		return order.SetTracking(caller, carrier, trackingID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	current, currentID := order.GetTracking()
	writeJSON(w, http.StatusOK, newTrackingView(current, currentID))
}

// handleOrderAction serves the transitions that take no arguments beyond the
// caller.
func (a *api) handleOrderAction(op escrow.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := middleware.CallerFromContext(r.Context())
		order, ok := a.lookupOrder(w, r)
		if !ok {
			return
		}
		err := traced(r.Context(), op.String(), order.ID(), func() error {
			switch op {
			case escrow.OpCancelOrder:
				return order.CancelOrder(caller)
			case escrow.OpAcceptOrder:
				return order.AcceptOrder(caller)
			case escrow.OpAcceptItem:
				return order.AcceptItem(caller)
			case escrow.OpDemandRefund:
				return order.DemandRefund(caller)
			default:
				return escrow.ErrUnknownOperation
			}
		})
		if err != nil {
			writeError(w, err)
			return
		}
		a.writeOrder(w, http.StatusOK, order)
	}
}

func (a *api) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	order, ok := a.lookupOrder(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	winner, err := parseAddress("winner", req.Winner)
	if err != nil {
		writeError(w, err)
		return
	}
	err = traced(r.Context(), escrow.OpSettleDispute.String(), order.ID(), func() error {
		return order.SettleDispute(caller, winner)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeOrder(w, http.StatusOK, order)
}
