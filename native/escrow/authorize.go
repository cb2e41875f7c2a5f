package escrow

import "fmt"

// Role is a set of parties a caller acts as on an order. A caller may hold
// more than one role, e.g. when the arbitrator is also a trading party.
type Role uint8

const (
	RoleBuyer Role = 1 << iota
	RoleSeller
	RoleArbitrator

	RoleNone Role = 0
)

// Has reports whether r includes every role in other.
func (r Role) Has(other Role) bool { return r&other == other }

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	out := ""
	for _, item := range []struct {
		role Role
		name string
	}{{RoleBuyer, "buyer"}, {RoleSeller, "seller"}, {RoleArbitrator, "arbitrator"}} {
		if r.Has(item.role) {
			if out != "" {
				out += "|"
			}
			out += item.name
		}
	}
	return out
}

// Operation identifies an order operation for authorization.
type Operation uint8

const (
	OpSetTracking Operation = iota + 1
	OpGetTracking
	OpCancelOrder
	OpAcceptOrder
	OpAcceptItem
	OpDemandRefund
	OpSettleDispute
)

func (op Operation) String() string {
	if rule, ok := rules[op]; ok {
		return rule.name
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

type rule struct {
	name string
	// states lists the permitted source states; empty means any state.
	states []OrderState
	// roles is the set of roles of which the caller must hold at least one;
	// RoleNone means anyone.
	roles Role
}

var rules = map[Operation]rule{
	OpSetTracking:   {name: "setTracking", states: []OrderState{OrderCreated, OrderAccepted}, roles: RoleSeller},
	OpGetTracking:   {name: "getTracking"},
	OpCancelOrder:   {name: "cancelOrder", states: []OrderState{OrderCreated}, roles: RoleBuyer | RoleSeller},
	OpAcceptOrder:   {name: "acceptOrder", states: []OrderState{OrderCreated}, roles: RoleSeller},
	OpAcceptItem:    {name: "acceptItem", states: []OrderState{OrderCreated}, roles: RoleBuyer},
	OpDemandRefund:  {name: "demandRefund", states: []OrderState{OrderAccepted}, roles: RoleBuyer},
	OpSettleDispute: {name: "settleDispute", states: []OrderState{OrderDisputed}, roles: RoleArbitrator},
}

// Authorize decides whether a caller holding roles may perform op on an order
// in state. The state guard is evaluated before the role check.
func Authorize(state OrderState, roles Role, op Operation) error {
	r, ok := rules[op]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOperation, uint8(op))
	}
	if len(r.states) > 0 {
		permitted := false
		for _, s := range r.states {
			if s == state {
				permitted = true
				break
			}
		}
		if !permitted {
			return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidState, r.name, state)
		}
	}
	if r.roles != RoleNone && roles&r.roles == 0 {
		return fmt.Errorf("%w: %s requires %s", ErrUnauthorized, r.name, r.roles)
	}
	return nil
}

// RolesOf returns the roles caller holds on the order. A zero arbitrator in
// the policy is never matched.
func RolesOf(rec *OrderRecord, caller [20]byte) Role {
	if rec == nil || caller == ([20]byte{}) {
		return RoleNone
	}
	roles := RoleNone
	if caller == rec.Buyer {
		roles |= RoleBuyer
	}
	if caller == rec.Seller {
		roles |= RoleSeller
	}
	if rec.Policy.Arbitrator != ([20]byte{}) && caller == rec.Policy.Arbitrator {
		roles |= RoleArbitrator
	}
	return roles
}
