package escrow

import (
	"errors"
	"testing"
)

func TestAuthorizeTable(t *testing.T) {
	all := []OrderState{OrderCreated, OrderAccepted, OrderDisputed, OrderResolved, OrderCancelled}
	roles := []Role{RoleNone, RoleBuyer, RoleSeller, RoleArbitrator}

	allowed := map[Operation]struct {
		states map[OrderState]bool
		roles  map[Role]bool
	}{
		OpSetTracking:   {map[OrderState]bool{OrderCreated: true, OrderAccepted: true}, map[Role]bool{RoleSeller: true}},
		OpCancelOrder:   {map[OrderState]bool{OrderCreated: true}, map[Role]bool{RoleBuyer: true, RoleSeller: true}},
		OpAcceptOrder:   {map[OrderState]bool{OrderCreated: true}, map[Role]bool{RoleSeller: true}},
		OpAcceptItem:    {map[OrderState]bool{OrderCreated: true}, map[Role]bool{RoleBuyer: true}},
		OpDemandRefund:  {map[OrderState]bool{OrderAccepted: true}, map[Role]bool{RoleBuyer: true}},
		OpSettleDispute: {map[OrderState]bool{OrderDisputed: true}, map[Role]bool{RoleArbitrator: true}},
	}

	for op, want := range allowed {
		for _, state := range all {
			for _, role := range roles {
				err := Authorize(state, role, op)
				switch {
				case !want.states[state]:
					if !errors.Is(err, ErrInvalidState) {
						t.Fatalf("%s in %s as %s: expected invalid state, got %v", op, state, role, err)
					}
				case !want.roles[role]:
					if !errors.Is(err, ErrUnauthorized) {
						t.Fatalf("%s in %s as %s: expected unauthorized, got %v", op, state, role, err)
					}
				default:
					if err != nil {
						t.Fatalf("%s in %s as %s: unexpected error %v", op, state, role, err)
					}
				}
			}
		}
	}
}

func TestAuthorizeGetTrackingOpenToAll(t *testing.T) {
	for _, state := range []OrderState{OrderCreated, OrderResolved, OrderCancelled} {
		if err := Authorize(state, RoleNone, OpGetTracking); err != nil {
			t.Fatalf("getTracking in %s: %v", state, err)
		}
	}
}

func TestAuthorizeCombinedRoles(t *testing.T) {
	if err := Authorize(OrderDisputed, RoleBuyer|RoleArbitrator, OpSettleDispute); err != nil {
		t.Fatalf("arbitrator that is also buyer should settle: %v", err)
	}
	if err := Authorize(OrderCreated, RoleArbitrator, OpAcceptItem); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := Authorize(OrderCreated, RoleBuyer, Operation(99)); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown operation, got %v", err)
	}
}

func TestRolesOf(t *testing.T) {
	buyer := [20]byte{1}
	seller := [20]byte{2}
	arb := [20]byte{3}
	rec := &OrderRecord{Buyer: buyer, Seller: seller, Policy: Policy{Arbitrator: arb}}
	if RolesOf(rec, buyer) != RoleBuyer || RolesOf(rec, seller) != RoleSeller || RolesOf(rec, arb) != RoleArbitrator {
		t.Fatalf("unexpected roles")
	}
	if RolesOf(rec, [20]byte{}) != RoleNone {
		t.Fatalf("zero caller must hold no role")
	}
	rec.Policy.Arbitrator = [20]byte{}
	if RolesOf(rec, [20]byte{}) != RoleNone {
		t.Fatalf("zero arbitrator must never match")
	}
	if got := (RoleBuyer | RoleSeller).String(); got != "buyer|seller" {
		t.Fatalf("role string = %q", got)
	}
}

func TestBytes32RoundTrip(t *testing.T) {
	packed, err := Bytes32FromString("USPS")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	out, err := Bytes32ToString(packed)
	if err != nil || out != "USPS" {
		t.Fatalf("unpack = %q, %v", out, err)
	}
	if _, err := Bytes32FromString("0123456789012345678901234567890123"); err == nil {
		t.Fatalf("expected error for long string")
	}
	var full [32]byte
	for i := range full {
		full[i] = 'a'
	}
	if _, err := Bytes32ToString(full); err == nil {
		t.Fatalf("expected error for unterminated value")
	}
	if s, _ := Bytes32ToString([32]byte{}); s != "" {
		t.Fatalf("zero value should decode to empty string")
	}
}

func TestOrderEventAttributes(t *testing.T) {
	rec := &OrderRecord{
		ID:        [20]byte{9},
		Buyer:     [20]byte{1},
		Seller:    [20]byte{2},
		Token:     [20]byte{5},
		Amount:    cloneBigInt(nil).SetInt64(100),
		State:     OrderResolved,
		Outcome:   OutcomeSeller,
		Disbursed: cloneBigInt(nil).SetInt64(100),
		CreatedAt: 10,
		UpdatedAt: 20,
	}
	evt := NewSettledEvent(rec, rec.Seller)
	if evt.Type != EventTypeOrderSettled {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	for key, want := range map[string]string{
		"amount":    "100",
		"state":     "resolved",
		"outcome":   "seller",
		"createdAt": "10",
	} {
		if got := evt.Attributes[key]; got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	if evt.Attributes["winner"] != evt.Attributes["seller"] {
		t.Fatalf("winner should be the seller")
	}
	if _, ok := evt.Attributes["arbitrator"]; ok {
		t.Fatalf("zero arbitrator should be omitted")
	}
	if bad := newOrderEvent(EventTypeOrderCreated, &OrderRecord{}); len(bad.Attributes) != 0 {
		t.Fatalf("invalid record should render no attributes")
	}
}
