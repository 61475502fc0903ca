package chain

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortLogsDescendingOrdersByBlockNumber(t *testing.T) {
	logs := []types.Log{
		{BlockNumber: 10},
		{BlockNumber: 30},
		{BlockNumber: 20},
		{BlockNumber: 30},
	}
	sortLogsDescending(logs)

	var prev uint64 = 1 << 62
	for _, lg := range logs {
		assert.LessOrEqual(t, lg.BlockNumber, prev)
		prev = lg.BlockNumber
	}
	assert.Equal(t, uint64(30), logs[0].BlockNumber)
	assert.Equal(t, uint64(10), logs[len(logs)-1].BlockNumber)
}

func TestResolveToBlockClampsToMaxScanWindow(t *testing.T) {
	g := &Gateway{}
	from, to, err := g.resolveToBlock(context.Background(), 0, 500_000, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), from)
	assert.Equal(t, uint64(500_000), to)
}

func TestResolveToBlockLeavesSmallWindowUnchanged(t *testing.T) {
	g := &Gateway{}
	from, to, err := g.resolveToBlock(context.Background(), 100, 200, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), from)
	assert.Equal(t, uint64(200), to)
}
