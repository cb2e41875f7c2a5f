package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"oyamarket/core/events"
	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
	"oyamarket/native/escrow"
	"oyamarket/services/indexer"
	"oyamarket/storage"
)

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

type harness struct {
	t          *testing.T
	handler    http.Handler
	mgr        *state.Manager
	ctrl       *escrow.Controller
	stream     *events.Stream
	store      *indexer.Store
	updater    string
	buyer      string
	seller     string
	arbitrator string
	stranger   string
	controller string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	stream := events.NewStream(0)
	mgr.SetEmitter(stream)
	updater := addr(0x01)
	ctrl, err := escrow.Deploy(mgr, updater, updater)
	require.NoError(t, err)
	ctrl.SetEmitter(stream)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, indexer.AutoMigrate(db))
	store := indexer.NewStore(db)

	handler, err := New(Config{
		State:       mgr,
		Controller:  ctrl,
		Stream:      stream,
		Index:       store,
		Idempotency: middleware.NewIdempotency(time.Hour),
	})
	require.NoError(t, err)

	return &harness{
		t:          t,
		handler:    handler,
		mgr:        mgr,
		ctrl:       ctrl,
		stream:     stream,
		store:      store,
		updater:    crypto.FormatAddress(updater),
		buyer:      crypto.FormatAddress(addr(0x02)),
		seller:     crypto.FormatAddress(addr(0x03)),
		arbitrator: crypto.FormatAddress(addr(0x04)),
		stranger:   crypto.FormatAddress(addr(0x05)),
		controller: crypto.FormatAddress(ctrl.Address()),
	}
}

func (h *harness) do(method, path, caller string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(middleware.DefaultCallerHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) decode(rec *httptest.ResponseRecorder, out interface{}) {
	h.t.Helper()
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (h *harness) expect(rec *httptest.ResponseRecorder, status int) {
	h.t.Helper()
	require.Equalf(h.t, status, rec.Code, "body: %s", rec.Body.String())
}

// market deploys a value token and a reward token, configures the controller
// and funds the buyer. It returns the value token address.
func (h *harness) market(funds string) (string, string) {
	h.t.Helper()
	var dai, oya tokenView
	rec := h.do(http.MethodPost, "/v1/tokens", h.updater, map[string]interface{}{"symbol": "DAI", "name": "Dai", "decimals": 18})
	h.expect(rec, http.StatusCreated)
	h.decode(rec, &dai)
	rec = h.do(http.MethodPost, "/v1/tokens", h.updater, map[string]interface{}{"symbol": "OYA", "name": "Oya", "decimals": 18})
	h.expect(rec, http.StatusCreated)
	h.decode(rec, &oya)

	rec = h.do(http.MethodPost, "/v1/tokens/"+oya.Address+"/roles", h.updater, map[string]string{"role": "MINTER_ROLE", "account": h.controller})
	h.expect(rec, http.StatusOK)

	for field, value := range map[string]string{
		"rewardToken":  oya.Address,
		"arbitrator":   h.arbitrator,
		"rewardAmount": "5",
	} {
		rec = h.do(http.MethodPut, "/v1/controller/"+field, h.updater, map[string]string{"value": value})
		h.expect(rec, http.StatusOK)
	}

	rec = h.do(http.MethodPost, "/v1/tokens/"+dai.Address+"/mint", h.updater, map[string]string{"to": h.buyer, "amount": funds})
	h.expect(rec, http.StatusOK)
	return dai.Address, oya.Address
}

func (h *harness) openOrder(dai, amount string) orderView {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/tokens/"+dai+"/approve", h.buyer, map[string]string{"spender": h.controller, "amount": amount})
	h.expect(rec, http.StatusOK)
	rec = h.do(http.MethodPost, "/v1/orders", h.buyer, map[string]string{"seller": h.seller, "token": dai, "amount": amount})
	h.expect(rec, http.StatusCreated)
	var order orderView
	h.decode(rec, &order)
	return order
}

func (h *harness) balance(token, owner string) string {
	h.t.Helper()
	rec := h.do(http.MethodGet, "/v1/tokens/"+token+"/balances/"+owner, "", nil)
	h.expect(rec, http.StatusOK)
	var out balanceResponse
	h.decode(rec, &out)
	return out.Balance
}

func TestCooperativeOrderFlow(t *testing.T) {
	h := newHarness(t)
	dai, oya := h.market("100")

	order := h.openOrder(dai, "60")
	require.Equal(t, "created", order.State)
	require.Equal(t, "60", order.Balance)
	require.Equal(t, "5", order.RewardAmount)
	require.Equal(t, "40", h.balance(dai, h.buyer))

	rec := h.do(http.MethodPost, "/v1/orders/"+order.ID+"/tracking", h.seller, map[string]string{"carrier": "UPS", "trackingId": "1Z999"})
	h.expect(rec, http.StatusOK)
	var tracking trackingView
	h.decode(rec, &tracking)
	require.True(t, tracking.HasTracking)
	require.Equal(t, "UPS", tracking.Carrier)

	rec = h.do(http.MethodPost, "/v1/orders/"+order.ID+"/accept-item", h.buyer, nil)
	h.expect(rec, http.StatusOK)
	h.decode(rec, &order)
	require.Equal(t, "resolved", order.State)
	require.Equal(t, "accepted", order.Outcome)
	require.Equal(t, "0", order.Balance)

	require.Equal(t, "60", h.balance(dai, h.seller))
	require.Equal(t, "5", h.balance(oya, h.buyer))
	require.Equal(t, "5", h.balance(oya, h.seller))

	rec = h.do(http.MethodGet, "/v1/orders?party="+h.seller+"&state=resolved", "", nil)
	h.expect(rec, http.StatusOK)
	var listed []orderView
	h.decode(rec, &listed)
	require.Len(t, listed, 1)
	require.Equal(t, order.ID, listed[0].ID)
}

func TestDisputeFlowAndIndex(t *testing.T) {
	h := newHarness(t)
	dai, oya := h.market("100")
	order := h.openOrder(dai, "30")

	h.expect(h.do(http.MethodPost, "/v1/orders/"+order.ID+"/accept", h.seller, nil), http.StatusOK)
	h.expect(h.do(http.MethodPost, "/v1/orders/"+order.ID+"/refund", h.buyer, nil), http.StatusOK)

	rec := h.do(http.MethodPost, "/v1/orders/"+order.ID+"/settle", h.arbitrator, map[string]string{"winner": h.stranger})
	h.expect(rec, http.StatusBadRequest)

	rec = h.do(http.MethodPost, "/v1/orders/"+order.ID+"/settle", h.arbitrator, map[string]string{"winner": h.buyer})
	h.expect(rec, http.StatusOK)
	h.decode(rec, &order)
	require.Equal(t, "buyer", order.Outcome)
	require.Equal(t, "100", h.balance(dai, h.buyer))
	require.Equal(t, "0", h.balance(oya, h.buyer))

	require.NoError(t, indexer.NewProjector(h.store, h.stream, nil).Sync(context.Background()))

	rec = h.do(http.MethodGet, "/v1/index/orders?party="+h.buyer, "", nil)
	h.expect(rec, http.StatusOK)
	var rows []indexedOrderView
	h.decode(rec, &rows)
	require.Len(t, rows, 1)
	require.Equal(t, "resolved", rows[0].State)
	require.Equal(t, h.buyer, rows[0].Winner)

	rec = h.do(http.MethodGet, "/v1/index/orders/"+order.ID+"/history", "", nil)
	h.expect(rec, http.StatusOK)
	var history []historyEntryView
	h.decode(rec, &history)
	require.Len(t, history, 4)
	require.Equal(t, escrow.EventTypeOrderSettled, history[3].Type)

	h.expect(h.do(http.MethodGet, "/v1/index/orders/"+h.stranger, "", nil), http.StatusNotFound)
	h.expect(h.do(http.MethodGet, "/v1/index/orders?limit=-1", "", nil), http.StatusBadRequest)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t)

	// A reward amount without a reward token is snapshotted into the order
	// and only fails once the buyer accepts the item.
	var dai tokenView
	rec := h.do(http.MethodPost, "/v1/tokens", h.updater, map[string]interface{}{"symbol": "DAI", "name": "Dai", "decimals": 18})
	h.expect(rec, http.StatusCreated)
	h.decode(rec, &dai)
	h.expect(h.do(http.MethodPost, "/v1/tokens/"+dai.Address+"/mint", h.updater, map[string]string{"to": h.buyer, "amount": "50"}), http.StatusOK)
	h.expect(h.do(http.MethodPut, "/v1/controller/rewardAmount", h.updater, map[string]string{"value": "3"}), http.StatusOK)

	order := h.openOrder(dai.Address, "20")

	cases := []struct {
		name   string
		method string
		path   string
		caller string
		body   interface{}
		status int
	}{
		{"anonymous mutation", http.MethodPost, "/v1/orders/" + order.ID + "/cancel", "", nil, http.StatusUnauthorized},
		{"stranger cancels", http.MethodPost, "/v1/orders/" + order.ID + "/cancel", h.stranger, nil, http.StatusForbidden},
		{"buyer accepts order", http.MethodPost, "/v1/orders/" + order.ID + "/accept", h.buyer, nil, http.StatusForbidden},
		{"refund before acceptance", http.MethodPost, "/v1/orders/" + order.ID + "/refund", h.buyer, nil, http.StatusConflict},
		{"reward token missing", http.MethodPost, "/v1/orders/" + order.ID + "/accept-item", h.buyer, nil, http.StatusPreconditionFailed},
		{"not the updater", http.MethodPut, "/v1/controller/arbitrator", h.stranger, map[string]string{"value": h.arbitrator}, http.StatusForbidden},
		{"unknown field", http.MethodPut, "/v1/controller/owner", h.updater, map[string]string{"value": "x"}, http.StatusBadRequest},
		{"unknown order", http.MethodGet, "/v1/orders/" + h.stranger, "", nil, http.StatusNotFound},
		{"unknown token", http.MethodGet, "/v1/tokens/" + h.stranger, "", nil, http.StatusNotFound},
		{"bad address", http.MethodGet, "/v1/orders/nope", "", nil, http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/v1/orders", h.buyer, map[string]string{"seller": h.seller, "token": dai.Address, "amount": "-1"}, http.StatusBadRequest},
		{"unknown body field", http.MethodPost, "/v1/orders", h.buyer, map[string]string{"seller": h.seller, "token": dai.Address, "amount": "1", "price": "2"}, http.StatusBadRequest},
		{"allowance exhausted", http.MethodPost, "/v1/orders", h.buyer, map[string]string{"seller": h.seller, "token": dai.Address, "amount": "10"}, http.StatusPaymentRequired},
		{"mint without role", http.MethodPost, "/v1/tokens/" + dai.Address + "/mint", h.buyer, map[string]string{"to": h.buyer, "amount": "1"}, http.StatusForbidden},
		{"bad caller header", http.MethodGet, "/v1/orders", "not-an-address", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(tc.method, tc.path, tc.caller, tc.body)
			require.Equalf(t, tc.status, rec.Code, "body: %s", rec.Body.String())
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body.Error)
		})
	}

	// Failed transitions leave the order untouched.
	rec = h.do(http.MethodGet, "/v1/orders/"+order.ID, "", nil)
	h.expect(rec, http.StatusOK)
	h.decode(rec, &order)
	require.Equal(t, "created", order.State)
	require.Equal(t, "20", order.Balance)
}

func TestAcceptItemWithoutMinterRoleIsPrecondition(t *testing.T) {
	h := newHarness(t)
	dai, oya := h.market("50")
	rec := h.do(http.MethodPost, "/v1/tokens/"+oya+"/roles", h.updater, map[string]interface{}{"role": "MINTER_ROLE", "account": h.controller, "revoke": true})
	h.expect(rec, http.StatusOK)

	order := h.openOrder(dai, "20")
	rec = h.do(http.MethodPost, "/v1/orders/"+order.ID+"/accept-item", h.buyer, nil)
	h.expect(rec, http.StatusPreconditionFailed)
	require.Equal(t, "0", h.balance(dai, h.seller))
	require.Equal(t, "20", h.balance(dai, order.ID))
}

func TestOrderCreateReplaysIdempotentRequest(t *testing.T) {
	h := newHarness(t)
	dai, _ := h.market("100")
	h.expect(h.do(http.MethodPost, "/v1/tokens/"+dai+"/approve", h.buyer, map[string]string{"spender": h.controller, "amount": "100"}), http.StatusOK)

	body := map[string]string{"seller": h.seller, "token": dai, "amount": "25"}
	first := h.do(http.MethodPost, "/v1/orders", h.buyer, body, middleware.HeaderIdempotencyKey, "order-1")
	h.expect(first, http.StatusCreated)
	second := h.do(http.MethodPost, "/v1/orders", h.buyer, body, middleware.HeaderIdempotencyKey, "order-1")
	h.expect(second, http.StatusCreated)
	require.Equal(t, "true", second.Header().Get(middleware.HeaderReplayed))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	orders, err := h.ctrl.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "75", h.balance(dai, h.buyer))

	body["amount"] = "30"
	h.expect(h.do(http.MethodPost, "/v1/orders", h.buyer, body, middleware.HeaderIdempotencyKey, "order-1"), http.StatusConflict)
}

func TestEventHistoryFiltersAndCursor(t *testing.T) {
	h := newHarness(t)
	dai, _ := h.market("100")
	h.openOrder(dai, "10")

	rec := h.do(http.MethodGet, "/v1/events?type=escrow.order.*", "", nil)
	h.expect(rec, http.StatusOK)
	var evts []eventPayload
	h.decode(rec, &evts)
	require.Len(t, evts, 1)
	require.Equal(t, escrow.EventTypeOrderCreated, evts[0].Type)

	rec = h.do(http.MethodGet, "/v1/events?cursor="+evts[0].Cursor, "", nil)
	h.expect(rec, http.StatusOK)
	var after []eventPayload
	h.decode(rec, &after)
	require.Empty(t, after)

	h.expect(h.do(http.MethodGet, "/v1/events?cursor=abc", "", nil), http.StatusBadRequest)
}

func TestEventStreamDeliversBacklogAndUpdates(t *testing.T) {
	h := newHarness(t)
	dai, _ := h.market("100")
	order := h.openOrder(dai, "10")

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?type=escrow.order.*"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() eventPayload {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt eventPayload
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}

	backlog := read()
	require.Equal(t, escrow.EventTypeOrderCreated, backlog.Type)
	require.Equal(t, order.ID, backlog.Attributes["id"])

	h.expect(h.do(http.MethodPost, "/v1/orders/"+order.ID+"/cancel", h.seller, nil), http.StatusOK)
	update := read()
	require.Equal(t, escrow.EventTypeOrderCancelled, update.Type)
	require.Greater(t, update.Sequence, backlog.Sequence)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "", nil)
	h.expect(rec, http.StatusOK)

	handler, err := New(Config{
		State:      h.mgr,
		Controller: h.ctrl,
		Ready:      func() error { return fmt.Errorf("index not ready") },
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = New(Config{Controller: h.ctrl})
	require.Error(t, err)
}
