package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"oyamarket/core/events"
	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
	"oyamarket/gateway/routes"
	"oyamarket/native/escrow"
	"oyamarket/storage"
)

func fill(b byte) string {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return crypto.FormatAddress(out)
}

func startNode(t *testing.T) string {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	stream := events.NewStream(0)
	mgr.SetEmitter(stream)
	ctrl, err := escrow.Deploy(mgr, [20]byte{0x01}, [20]byte{0x01})
	if err != nil {
		t.Fatalf("deploy controller: %v", err)
	}
	ctrl.SetEmitter(stream)
	handler, err := routes.New(routes.Config{State: mgr, Controller: ctrl, Stream: stream})
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func mustRun(t *testing.T, out interface{}, args ...string) {
	t.Helper()
	stdout, stderr, code := runCLI(t, args...)
	if code != 0 {
		t.Fatalf("oyactl %v exited %d: %s", args, code, stderr)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(stdout), out); err != nil {
			t.Fatalf("decode %q: %v", stdout, err)
		}
	}
}

func TestUsageAndUnknownCommand(t *testing.T) {
	_, stderr, code := runCLI(t)
	if code != 1 || !strings.Contains(stderr, "Usage: oyactl") {
		t.Fatalf("expected usage, got %d %q", code, stderr)
	}
	_, stderr, code = runCLI(t, "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("expected unknown command, got %d %q", code, stderr)
	}
	_, stderr, code = runCLI(t, "order", "create", "-api", "http://127.0.0.1:1")
	if code != 1 || !strings.Contains(stderr, "--seller is required") {
		t.Fatalf("expected missing seller, got %d %q", code, stderr)
	}
}

func TestOrderLifecycleThroughCLI(t *testing.T) {
	api := startNode(t)
	admin := fill(0x01)
	buyer := fill(0x0b)
	seller := fill(0x0c)

	var token struct {
		Address string `json:"address"`
	}
	mustRun(t, &token, "token", "deploy", "-api", api, "-caller", admin, "-symbol", "DAI", "-name", "Dai")
	if token.Address == "" {
		t.Fatalf("expected token address")
	}
	mustRun(t, nil, "token", "mint", "-api", api, "-caller", admin, "-address", token.Address, "-to", buyer, "-amount", "100")

	var ctrl struct {
		Address string `json:"address"`
	}
	mustRun(t, &ctrl, "controller", "get", "-api", api)
	mustRun(t, nil, "token", "approve", "-api", api, "-caller", buyer, "-address", token.Address, "-spender", ctrl.Address, "-amount", "60")

	var order struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	mustRun(t, &order, "order", "create", "-api", api, "-caller", buyer, "-seller", seller, "-value-token", token.Address, "-amount", "60")
	if order.State != "created" {
		t.Fatalf("expected created order, got %q", order.State)
	}
	mustRun(t, nil, "order", "track", "-api", api, "-caller", seller, "-id", order.ID, "-carrier", "DHL", "-tracking", "JD0001")
	mustRun(t, &order, "order", "accept-item", "-api", api, "-caller", buyer, "-id", order.ID)
	if order.State != "resolved" {
		t.Fatalf("expected resolved order, got %q", order.State)
	}

	var balance struct {
		Balance string `json:"balance"`
	}
	mustRun(t, &balance, "token", "balance", "-api", api, "-address", token.Address, "-owner", seller)
	if balance.Balance != "60" {
		t.Fatalf("expected seller balance 60, got %q", balance.Balance)
	}

	var history []struct {
		Type string `json:"type"`
	}
	mustRun(t, &history, "events", "-api", api, "-type", "escrow.order.*")
	if len(history) == 0 {
		t.Fatalf("expected escrow events")
	}

	_, stderr, code := runCLI(t, "order", "cancel", "-api", api, "-caller", buyer, "-id", order.ID)
	if code != 1 || !strings.Contains(stderr, "409") {
		t.Fatalf("expected conflict cancelling a resolved order, got %d %q", code, stderr)
	}
}

func TestIssueJWT(t *testing.T) {
	original := cliNow
	cliNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { cliNow = original }()

	secret := strings.Repeat("s", 32)
	stdout, stderr, code := runCLI(t, "jwt", "-secret", secret, "-subject", fill(0x0b), "-ttl", "10m")
	if code != 0 {
		t.Fatalf("jwt exited %d: %s", code, stderr)
	}
	if parts := strings.Split(strings.TrimSpace(stdout), "."); len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %q", stdout)
	}
	want, err := middleware.IssueToken(middleware.AuthConfig{Enabled: true, HMACSecret: secret}, mustAddr(t, fill(0x0b)), 10*time.Minute, cliNow())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.TrimSpace(stdout) != want {
		t.Fatalf("unexpected token")
	}

	_, stderr, code = runCLI(t, "jwt", "-subject", "garbage", "-secret", secret)
	if code != 1 || stderr == "" {
		t.Fatalf("expected error for malformed subject")
	}
}

func mustAddr(t *testing.T, raw string) [20]byte {
	t.Helper()
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	return addr
}
