package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"oyamarket/config"
	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/services/indexer"
	"oyamarket/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func TestBootstrapDeploysAndRemembersController(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	operator := [20]byte{0x01}
	arbitrator := [20]byte{0x0a}
	cfg := config.Controller{
		Arbitrator:        crypto.FormatAddress(arbitrator),
		RewardTokenSymbol: "oya",
		RewardAmount:      "7",
	}

	ctrl, err := bootstrapController(mgr, cfg, operator, quietLogger())
	require.NoError(t, err)
	current := ctrl.Config()
	require.Equal(t, operator, current.Updater)
	require.Equal(t, arbitrator, current.Arbitrator)
	require.Equal(t, int64(7), current.RewardAmount.Int64())

	meta, err := mgr.Token(current.RewardToken)
	require.NoError(t, err)
	require.Equal(t, "OYA", meta.Symbol)
	minter, err := mgr.HasRole(current.RewardToken, state.MinterRole, ctrl.Address())
	require.NoError(t, err)
	require.True(t, minter)

	again, err := bootstrapController(mgr, cfg, operator, quietLogger())
	require.NoError(t, err)
	require.Equal(t, ctrl.Address(), again.Address())
	tokens, err := mgr.Tokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
}

func TestBootstrapLeavesForeignControllerAlone(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	operator := [20]byte{0x01}
	updater := [20]byte{0x02}

	ctrl, err := bootstrapController(mgr, config.Controller{
		Updater:           crypto.FormatAddress(updater),
		RewardTokenSymbol: "OYA",
		RewardAmount:      "3",
	}, operator, quietLogger())
	require.NoError(t, err)
	current := ctrl.Config()
	require.Equal(t, updater, current.Updater)
	require.Equal(t, crypto.ZeroAddress, current.RewardToken)
	require.Zero(t, current.RewardAmount.Sign())
}

func TestBootstrapRejectsMalformedAddress(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	_, err := bootstrapController(mgr, config.Controller{Address: "nope"}, [20]byte{0x01}, quietLogger())
	require.Error(t, err)
}

func TestBackfillIndexCopiesStoredOrders(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	operator := [20]byte{0x01}
	buyer := [20]byte{0x0b}
	seller := [20]byte{0x0c}
	ctrl, err := bootstrapController(mgr, config.Controller{}, operator, quietLogger())
	require.NoError(t, err)

	dai, err := mgr.DeployToken(operator, "DAI", "Dai", 18)
	require.NoError(t, err)
	require.NoError(t, mgr.Mint(dai.Address, operator, buyer, bigInt(50)))
	require.NoError(t, mgr.Approve(dai.Address, buyer, ctrl.Address(), bigInt(50)))
	order, err := ctrl.CreateOrder(buyer, buyer, seller, dai.Address, bigInt(50), crypto.ZeroAddress)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, indexer.AutoMigrate(db))
	store := indexer.NewStore(db)

	require.NoError(t, backfillIndex(context.Background(), store, ctrl))
	row, err := store.Order(context.Background(), crypto.FormatAddress(order.ID()))
	require.NoError(t, err)
	require.Equal(t, "created", row.State)
	require.Equal(t, "50", row.Amount)
}
