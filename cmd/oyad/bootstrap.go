package main

import (
	"fmt"
	"log/slog"
	"strings"

	"oyamarket/config"
	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/native/escrow"
)

// controllerKey remembers the address of the controller deployed on first
// boot.
var controllerKey = []byte("oyad/controller")

// bootstrapController loads the configured or remembered controller, or
// deploys one on behalf of the operator. When the operator is the updater the
// configured reward token, arbitrator and reward amount are applied.
func bootstrapController(mgr *state.Manager, cfg config.Controller, operator [20]byte, logger *slog.Logger) (*escrow.Controller, error) {
	ctrl, err := loadOrDeployController(mgr, cfg, operator, logger)
	if err != nil {
		return nil, err
	}
	current := ctrl.Config()
	if current.Updater != operator {
		logger.Info("controller updated externally; skipping configured policy",
			slog.String("controller", crypto.FormatAddress(current.Address)),
			slog.String("updater", crypto.FormatAddress(current.Updater)))
		return ctrl, nil
	}

	rewardToken, err := resolveRewardToken(mgr, cfg, operator, logger)
	if err != nil {
		return nil, err
	}
	if rewardToken != crypto.ZeroAddress {
		if err := ensureMinter(mgr, rewardToken, operator, current.Address, logger); err != nil {
			return nil, err
		}
		if current.RewardToken != rewardToken {
			if err := ctrl.SetRewardToken(operator, rewardToken); err != nil {
				return nil, fmt.Errorf("set reward token: %w", err)
			}
		}
	}
	if raw := strings.TrimSpace(cfg.Arbitrator); raw != "" {
		arbitrator, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("controller arbitrator: %w", err)
		}
		if current.Arbitrator != arbitrator {
			if err := ctrl.SetArbitrator(operator, arbitrator); err != nil {
				return nil, fmt.Errorf("set arbitrator: %w", err)
			}
		}
	}
	amount, err := cfg.RewardAmountValue()
	if err != nil {
		return nil, err
	}
	if current.RewardAmount == nil || current.RewardAmount.Cmp(amount) != 0 {
		if err := ctrl.SetRewardAmount(operator, amount); err != nil {
			return nil, fmt.Errorf("set reward amount: %w", err)
		}
	}
	return ctrl, nil
}

func loadOrDeployController(mgr *state.Manager, cfg config.Controller, operator [20]byte, logger *slog.Logger) (*escrow.Controller, error) {
	if raw := strings.TrimSpace(cfg.Address); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("controller address: %w", err)
		}
		return escrow.Load(mgr, addr)
	}

	var remembered []byte
	found, err := mgr.KVGet(controllerKey, &remembered)
	if err != nil {
		return nil, fmt.Errorf("read controller address: %w", err)
	}
	if found && len(remembered) == 20 {
		var addr [20]byte
		copy(addr[:], remembered)
		return escrow.Load(mgr, addr)
	}

	updater := operator
	if raw := strings.TrimSpace(cfg.Updater); raw != "" {
		parsed, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("controller updater: %w", err)
		}
		updater = parsed
	}
	ctrl, err := escrow.Deploy(mgr, operator, updater)
	if err != nil {
		return nil, fmt.Errorf("deploy controller: %w", err)
	}
	addr := ctrl.Address()
	if err := mgr.KVPut(controllerKey, addr[:]); err != nil {
		return nil, fmt.Errorf("remember controller: %w", err)
	}
	logger.Info("controller deployed",
		slog.String("controller", crypto.FormatAddress(addr)),
		slog.String("updater", crypto.FormatAddress(updater)))
	return ctrl, nil
}

// resolveRewardToken returns the configured reward token, or the operator's
// token with the configured symbol, deploying it when missing.
func resolveRewardToken(mgr *state.Manager, cfg config.Controller, operator [20]byte, logger *slog.Logger) ([20]byte, error) {
	if raw := strings.TrimSpace(cfg.RewardToken); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return crypto.ZeroAddress, fmt.Errorf("controller reward token: %w", err)
		}
		return addr, nil
	}
	symbol := strings.ToUpper(strings.TrimSpace(cfg.RewardTokenSymbol))
	if symbol == "" {
		return crypto.ZeroAddress, nil
	}
	tokens, err := mgr.Tokens()
	if err != nil {
		return crypto.ZeroAddress, err
	}
	for _, meta := range tokens {
		if meta.Symbol == symbol && meta.Admin == operator {
			return meta.Address, nil
		}
	}
	meta, err := mgr.DeployToken(operator, symbol, symbol+" Reward", 18)
	if err != nil {
		return crypto.ZeroAddress, fmt.Errorf("deploy reward token: %w", err)
	}
	logger.Info("reward token deployed",
		slog.String("token", crypto.FormatAddress(meta.Address)),
		slog.String("symbol", meta.Symbol))
	return meta.Address, nil
}

func ensureMinter(mgr *state.Manager, token, operator, controller [20]byte, logger *slog.Logger) error {
	minter, err := mgr.HasRole(token, state.MinterRole, controller)
	if err != nil {
		return err
	}
	if minter {
		return nil
	}
	admin, err := mgr.HasRole(token, state.AdminRole, operator)
	if err != nil {
		return err
	}
	if !admin {
		logger.Warn("controller is not a reward minter and the operator cannot grant it",
			slog.String("token", crypto.FormatAddress(token)))
		return nil
	}
	if err := mgr.GrantRole(token, operator, state.MinterRole, controller); err != nil {
		return fmt.Errorf("grant minter role: %w", err)
	}
	return nil
}
