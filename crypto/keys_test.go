package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{0x5A}, 20))

	encoded := FormatAddress(addr)
	require.Contains(t, encoded, AddressPrefix+"1")

	decoded, err := ParseAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr, decoded)

	hexDecoded, err := ParseAddress("0x5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a")
	require.NoError(t, err)
	require.Equal(t, addr, hexDecoded)
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "abc1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq", "not-an-address"} {
		_, err := ParseAddress(raw)
		require.Error(t, err, raw)
	}
}

func TestContractAddressIsDeterministic(t *testing.T) {
	var deployer [20]byte
	deployer[19] = 0x01

	first := ContractAddress(deployer, 0)
	again := ContractAddress(deployer, 0)
	next := ContractAddress(deployer, 1)

	require.Equal(t, first, again)
	require.NotEqual(t, first, next)
	require.NotEqual(t, ZeroAddress, first)
}

func TestKeystoreCreateThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.json")

	created, fresh, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.True(t, fresh)

	loaded, fresh, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, created.Address(), loaded.Address())

	_, _, err = LoadOrCreateKeystore(path, "wrong")
	require.Error(t, err)
}
