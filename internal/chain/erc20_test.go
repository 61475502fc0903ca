package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackTransferEncodesSelectorAndArgs(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000ab")
	data, err := packTransfer(to, big.NewInt(12345))
	require.NoError(t, err)

	method, err := ERC20ABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	vals, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, to, vals[0])
	assert.Equal(t, big.NewInt(12345), vals[1])
}

func TestPackBalanceOfEncodesOwner(t *testing.T) {
	owner := common.HexToAddress("0x000000000000000000000000000000000000cd")
	data, err := packBalanceOf(owner)
	require.NoError(t, err)

	method, err := ERC20ABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "balanceOf", method.Name)

	vals, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, owner, vals[0])
}

func TestTransferEventSignatureIsKeccakOfCanonicalSignature(t *testing.T) {
	assert.Equal(t, ERC20ABI.Events["Transfer"].ID, TransferEventSignature)
	assert.NotEqual(t, common.Hash{}, TransferEventSignature)
}
