package state

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	coreerrors "oyamarket/core/errors"
	"oyamarket/core/events"
	"oyamarket/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestManager(t *testing.T) (*Manager, *events.Recorder) {
	t.Helper()
	mgr := NewManager(storage.NewMemDB())
	rec := &events.Recorder{}
	mgr.SetEmitter(rec)
	return mgr, rec
}

func deployTestToken(t *testing.T, mgr *Manager, admin [20]byte, symbol string) [20]byte {
	t.Helper()
	meta, err := mgr.DeployToken(admin, symbol, symbol+" Token", 18)
	if err != nil {
		t.Fatalf("deploy %s: %v", symbol, err)
	}
	return meta.Address
}

func mustBalance(t *testing.T, mgr *Manager, token, owner [20]byte) int64 {
	t.Helper()
	bal, err := mgr.BalanceOf(token, owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func TestDeployTokenDerivesDistinctAddresses(t *testing.T) {
	mgr, rec := newTestManager(t)
	admin := newTestAddress(0x01)
	dai := deployTestToken(t, mgr, admin, "dai")
	link := deployTestToken(t, mgr, admin, "LINK")
	if dai == link {
		t.Fatalf("expected distinct token addresses")
	}
	meta, err := mgr.Token(dai)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta.Symbol != "DAI" || meta.Admin != admin || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	list, err := mgr.Tokens()
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(list) != 2 || list[0].Address != dai || list[1].Address != link {
		t.Fatalf("unexpected token list")
	}
	for _, role := range [][32]byte{AdminRole, MinterRole} {
		ok, err := mgr.HasRole(dai, role, admin)
		if err != nil || !ok {
			t.Fatalf("deployer should hold role %x", role)
		}
	}
	if got := rec.Types(); len(got) != 2 || got[0] != events.TypeTokenDeployed {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestTransferAndAllowance(t *testing.T) {
	mgr, _ := newTestManager(t)
	admin := newTestAddress(0x01)
	alice := newTestAddress(0x02)
	bob := newTestAddress(0x03)
	spender := newTestAddress(0x04)
	token := deployTestToken(t, mgr, admin, "DAI")

	if err := mgr.Mint(token, admin, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.Transfer(token, alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := mustBalance(t, mgr, token, alice); got != 70 {
		t.Fatalf("alice balance = %d, want 70", got)
	}
	if err := mgr.Transfer(token, bob, alice, big.NewInt(31)); !errors.Is(err, coreerrors.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if err := mgr.TransferFrom(token, spender, alice, bob, big.NewInt(1)); !errors.Is(err, coreerrors.ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	if err := mgr.Approve(token, alice, spender, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := mgr.TransferFrom(token, spender, alice, bob, big.NewInt(20)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	allowance, err := mgr.Allowance(token, alice, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Int64() != 30 {
		t.Fatalf("allowance = %s, want 30", allowance)
	}
	if got := mustBalance(t, mgr, token, bob); got != 50 {
		t.Fatalf("bob balance = %d, want 50", got)
	}
	if err := mgr.Approve(token, alice, spender, big.NewInt(-1)); !errors.Is(err, coreerrors.ErrNegativeAmount) {
		t.Fatalf("expected negative amount error, got %v", err)
	}
}

func TestMintRequiresRole(t *testing.T) {
	mgr, _ := newTestManager(t)
	admin := newTestAddress(0x01)
	controller := newTestAddress(0x05)
	user := newTestAddress(0x06)
	token := deployTestToken(t, mgr, admin, "OYA")

	if err := mgr.Mint(token, controller, user, big.NewInt(10)); !errors.Is(err, coreerrors.ErrMissingRole) {
		t.Fatalf("expected missing role, got %v", err)
	}
	if err := mgr.GrantRole(token, user, MinterRole, controller); !errors.Is(err, coreerrors.ErrMissingRole) {
		t.Fatalf("non-admin grant should fail, got %v", err)
	}
	if err := mgr.GrantRole(token, admin, MinterRole, controller); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := mgr.Mint(token, controller, user, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	meta, err := mgr.Token(token)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta.Supply.Int64() != 10 {
		t.Fatalf("supply = %s, want 10", meta.Supply)
	}
	if err := mgr.RevokeRole(token, admin, MinterRole, controller); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := mgr.Mint(token, controller, user, big.NewInt(1)); !errors.Is(err, coreerrors.ErrMissingRole) {
		t.Fatalf("expected missing role after revoke, got %v", err)
	}
}

func TestMintOverflowRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	admin := newTestAddress(0x01)
	token := deployTestToken(t, mgr, admin, "BIG")
	ceiling := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := mgr.Mint(token, admin, admin, ceiling); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	if err := mgr.Mint(token, admin, admin, big.NewInt(1)); !errors.Is(err, coreerrors.ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := mgr.Transfer(token, admin, admin, tooLarge); !errors.Is(err, coreerrors.ErrBalanceOverflow) {
		t.Fatalf("expected overflow for oversized amount, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.BalanceOf(newTestAddress(0x09), newTestAddress(0x01)); !errors.Is(err, coreerrors.ErrUnknownToken) {
		t.Fatalf("expected unknown token, got %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	mgr, rec := newTestManager(t)
	admin := newTestAddress(0x01)
	alice := newTestAddress(0x02)
	token := deployTestToken(t, mgr, admin, "DAI")
	before := len(rec.Events())

	boom := errors.New("boom")
	err := mgr.Update(func(tx *Tx) error {
		if err := tx.Mint(token, admin, alice, big.NewInt(5)); err != nil {
			return err
		}
		bal, err := tx.BalanceOf(token, alice)
		if err != nil {
			return err
		}
		if bal.Int64() != 5 {
			t.Fatalf("overlay balance = %s, want 5", bal)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := mustBalance(t, mgr, token, alice); got != 0 {
		t.Fatalf("balance after rollback = %d, want 0", got)
	}
	if len(rec.Events()) != before {
		t.Fatalf("events emitted for rolled back update")
	}
}

func TestViewRejectsWrites(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.View(func(tx *Tx) error {
		_, err := tx.NextNonce(newTestAddress(0x01))
		return err
	})
	if !errors.Is(err, errReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	addr := newTestAddress(0x07)
	if err := mgr.KVPut([]byte("oyad/controller"), addr); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out [20]byte
	ok, err := mgr.KVGet([]byte("oyad/controller"), &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out != addr {
		t.Fatalf("unexpected value %x", out)
	}
	var list [][]byte
	if err := mgr.View(func(tx *Tx) error { return tx.KVGetList([]byte("missing"), &list) }); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestStatePersistsAcrossLevelDB(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	admin := newTestAddress(0x01)
	mgr := NewManager(db)
	token := deployTestToken(t, mgr, admin, "DAI")
	if err := mgr.Mint(token, admin, admin, big.NewInt(42)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := mustBalance(t, NewManager(reopened), token, admin); got != 42 {
		t.Fatalf("balance after reopen = %d, want 42", got)
	}
}
