package state

import "math/big"

// Read and single-operation helpers over the ledger. Each write runs in its
// own Update.

func (m *Manager) DeployToken(deployer [20]byte, symbol, name string, decimals uint8) (*TokenMetadata, error) {
	var meta *TokenMetadata
	err := m.Update(func(tx *Tx) error {
		var err error
		meta, err = tx.DeployToken(deployer, symbol, name, decimals)
		return err
	})
	return meta, err
}

func (m *Manager) Token(token [20]byte) (*TokenMetadata, error) {
	var meta *TokenMetadata
	err := m.View(func(tx *Tx) error {
		var err error
		meta, err = tx.Token(token)
		return err
	})
	return meta, err
}

func (m *Manager) Tokens() ([]*TokenMetadata, error) {
	var list []*TokenMetadata
	err := m.View(func(tx *Tx) error {
		var err error
		list, err = tx.Tokens()
		return err
	})
	return list, err
}

func (m *Manager) BalanceOf(token, owner [20]byte) (*big.Int, error) {
	var bal *big.Int
	err := m.View(func(tx *Tx) error {
		var err error
		bal, err = tx.BalanceOf(token, owner)
		return err
	})
	return bal, err
}

func (m *Manager) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	var allowance *big.Int
	err := m.View(func(tx *Tx) error {
		var err error
		allowance, err = tx.Allowance(token, owner, spender)
		return err
	})
	return allowance, err
}

func (m *Manager) HasRole(token [20]byte, role [32]byte, account [20]byte) (bool, error) {
	var member bool
	err := m.View(func(tx *Tx) error {
		var err error
		member, err = tx.HasRole(token, role, account)
		return err
	})
	return member, err
}

func (m *Manager) Transfer(token, from, to [20]byte, amount *big.Int) error {
	return m.Update(func(tx *Tx) error { return tx.Transfer(token, from, to, amount) })
}

func (m *Manager) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	return m.Update(func(tx *Tx) error { return tx.Approve(token, owner, spender, amount) })
}

func (m *Manager) TransferFrom(token, spender, owner, to [20]byte, amount *big.Int) error {
	return m.Update(func(tx *Tx) error { return tx.TransferFrom(token, spender, owner, to, amount) })
}

func (m *Manager) Mint(token, minter, to [20]byte, amount *big.Int) error {
	return m.Update(func(tx *Tx) error { return tx.Mint(token, minter, to, amount) })
}

func (m *Manager) GrantRole(token, sender [20]byte, role [32]byte, account [20]byte) error {
	return m.Update(func(tx *Tx) error { return tx.GrantRole(token, sender, role, account) })
}

func (m *Manager) RevokeRole(token, sender [20]byte, role [32]byte, account [20]byte) error {
	return m.Update(func(tx *Tx) error { return tx.RevokeRole(token, sender, role, account) })
}
