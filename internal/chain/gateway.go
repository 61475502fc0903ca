package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/ratelimit"
)

// MaxScanWindowBlocks caps the block range of any single log filter at
// ~3 days on BSC (spec §4.4.2): older windows are clamped, never rejected.
const MaxScanWindowBlocks = 100_000

// DepositMatch is the result of a successful transfer-log scan (spec
// §4.4.2).
type DepositMatch struct {
	TxHash        string
	BlockNumber   uint64
	Amount        money.Amount
	Confirmations uint64
}

// Gateway wraps a Pool with token addresses and rate limiting to implement
// C4: balance queries, deposit scanning, and (via PaymentSender) payment sending.
type Gateway struct {
	pool    *Pool
	limiter *ratelimit.Limiter
	log     *logger.Logger

	usdtAddress   common.Address
	plexAddress   common.Address
	systemWallet  common.Address
}

// NewGateway constructs a Gateway over pool, addresses already checksum-
// normalized via common.HexToAddress (go-ethereum's Address type always
// round-trips through EIP-55 on .Hex()).
func NewGateway(pool *Pool, limiter *ratelimit.Limiter, usdtAddress, plexAddress, systemWallet common.Address) *Gateway {
	return &Gateway{
		pool:         pool,
		limiter:      limiter,
		log:          logger.New("chain.gateway"),
		usdtAddress:  usdtAddress,
		plexAddress:  plexAddress,
		systemWallet: systemWallet,
	}
}

func (g *Gateway) withLimit(ctx context.Context, fn func(ctx context.Context, c *ethclient.Client) error) error {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.pool.Execute(ctx, fn)
}

// tokenBalance calls balanceOf(owner) on the given token contract and
// returns the wei-scale result, or nil on any error (spec §4.4.3).
func (g *Gateway) tokenBalance(ctx context.Context, token, owner common.Address) *big.Int {
	var result *big.Int
	err := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		data, err := packBalanceOf(owner)
		if err != nil {
			return err
		}
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return err
		}
		vals, err := ERC20ABI.Unpack("balanceOf", out)
		if err != nil {
			return err
		}
		result = vals[0].(*big.Int)
		return nil
	})
	if err != nil {
		g.log.Sugar().Warnw("token balance query failed", "token", token.Hex(), "owner", owner.Hex(), "error", err)
		return nil
	}
	return result
}

// GetUSDTBalance returns the owner's USDT balance, or an error on failure
// (spec §4.4.3).
func (g *Gateway) GetUSDTBalance(ctx context.Context, owner common.Address) (money.Amount, error) {
	wei := g.tokenBalance(ctx, g.usdtAddress, owner)
	if wei == nil {
		return money.Zero, core.New(core.KindRPCTransient, "", "failed to read USDT balance")
	}
	return money.FromWei(wei, money.USDTDecimals), nil
}

// GetPLEXBalance returns the owner's PLEX balance.
func (g *Gateway) GetPLEXBalance(ctx context.Context, owner common.Address) (money.Amount, error) {
	wei := g.tokenBalance(ctx, g.plexAddress, owner)
	if wei == nil {
		return money.Zero, core.New(core.KindRPCTransient, "", "failed to read PLEX balance")
	}
	return money.FromWei(wei, money.PLEXDecimals), nil
}

// GetNativeBalance returns the owner's native coin balance.
func (g *Gateway) GetNativeBalance(ctx context.Context, owner common.Address) (money.Amount, error) {
	var wei *big.Int
	err := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		wei, err = c.BalanceAt(ctx, owner, nil)
		return err
	})
	if err != nil {
		return money.Zero, core.Wrap(core.KindRPCTransient, "", "failed to read native balance", err)
	}
	return money.FromWei(wei, money.NativeDecimals), nil
}

// TransactionConfirmations returns the receipt's block number and how many
// blocks have landed on top of it, or found=false if the transaction has no
// receipt yet (spec §4.9: deposit monitor "query confirmations").
func (g *Gateway) TransactionConfirmations(ctx context.Context, txHash string) (blockNumber uint64, confirmations uint64, found bool, err error) {
	hash := common.HexToHash(txHash)
	var receipt *types.Receipt
	rerr := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	if rerr != nil || receipt == nil {
		return 0, 0, false, nil
	}
	var head uint64
	err = g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, 0, false, core.Wrap(core.KindRPCTransient, "", "resolve latest block", err)
	}
	blockNumber = receipt.BlockNumber.Uint64()
	if head >= blockNumber {
		confirmations = head - blockNumber
	}
	return blockNumber, confirmations, true, nil
}

// resolveToBlock resolves "latest" once, and clamps the window to
// MaxScanWindowBlocks (spec §4.4.2).
func (g *Gateway) resolveToBlock(ctx context.Context, fromBlock, toBlock uint64, toLatest bool) (uint64, uint64, error) {
	if toLatest {
		var head uint64
		err := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			head, err = c.BlockNumber(ctx)
			return err
		})
		if err != nil {
			return 0, 0, core.Wrap(core.KindRPCTransient, "", "resolve latest block", err)
		}
		toBlock = head
	}
	if toBlock > fromBlock && toBlock-fromBlock > MaxScanWindowBlocks {
		fromBlock = toBlock - MaxScanWindowBlocks
	}
	return fromBlock, toBlock, nil
}

// SearchForDeposit implements search_for_deposit (spec §4.4.2): finds a
// Transfer(from=userWallet, to=systemWallet) whose value is within
// ±tolerance*expectedAmount of expectedAmount, in USDT. Returns nil (not
// an error) if no match is found within the window.
func (g *Gateway) SearchForDeposit(ctx context.Context, userWallet common.Address, expectedAmount money.Amount, fromBlock, toBlock uint64, toLatest bool, tolerance money.Amount) (*DepositMatch, error) {
	fromBlock, toBlock, err := g.resolveToBlock(ctx, fromBlock, toBlock, toLatest)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{g.usdtAddress},
		Topics: [][]common.Hash{
			{TransferEventSignature},
			{common.BytesToHash(userWallet.Bytes())},
			{common.BytesToHash(g.systemWallet.Bytes())},
		},
	}

	var logs []types.Log
	err = g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, core.Wrap(core.KindRPCTransient, "", "filter USDT transfer logs", err)
	}

	var head uint64
	_ = g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})

	for _, lg := range logs {
		vals, err := ERC20ABI.Unpack("Transfer", lg.Data)
		if err != nil || len(vals) == 0 {
			continue
		}
		wei, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		amount := money.FromWei(wei, money.USDTDecimals)
		if !money.WithinTolerance(amount, expectedAmount, tolerance, money.USDTDecimals) {
			continue
		}
		confirmations := uint64(0)
		if head >= lg.BlockNumber {
			confirmations = head - lg.BlockNumber
		}
		return &DepositMatch{
			TxHash:        lg.TxHash.Hex(),
			BlockNumber:   lg.BlockNumber,
			Amount:        amount,
			Confirmations: confirmations,
		}, nil
	}
	return nil, nil
}

// ScanDeposits implements scan_deposits (spec §4.4.2): iterates in reverse
// chunks (newest first) aggregating all matching USDT transfers from
// userWallet to the system wallet. A per-chunk failure is logged and
// skipped, never returned as an error, so one bad chunk does not block
// the rest of the scan.
func (g *Gateway) ScanDeposits(ctx context.Context, userWallet common.Address, maxBlocks, chunkSize uint64) ([]DepositMatch, error) {
	if chunkSize == 0 {
		chunkSize = 5_000
	}
	if maxBlocks == 0 || maxBlocks > MaxScanWindowBlocks {
		maxBlocks = MaxScanWindowBlocks
	}

	var head uint64
	err := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, core.Wrap(core.KindRPCTransient, "", "resolve latest block", err)
	}

	var lowBound uint64
	if head > maxBlocks {
		lowBound = head - maxBlocks
	}

	var matches []DepositMatch
	to := head
	for to > lowBound {
		from := lowBound
		if to > chunkSize && to-chunkSize > lowBound {
			from = to - chunkSize
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{g.usdtAddress},
			Topics: [][]common.Hash{
				{TransferEventSignature},
				{common.BytesToHash(userWallet.Bytes())},
				{common.BytesToHash(g.systemWallet.Bytes())},
			},
		}
		var logs []types.Log
		cerr := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			logs, err = c.FilterLogs(ctx, query)
			return err
		})
		if cerr != nil {
			g.log.Sugar().Warnw("scan_deposits chunk failed, continuing", "from", from, "to", to, "error", cerr)
		} else {
			for _, lg := range logs {
				vals, err := ERC20ABI.Unpack("Transfer", lg.Data)
				if err != nil || len(vals) == 0 {
					continue
				}
				wei, ok := vals[0].(*big.Int)
				if !ok {
					continue
				}
				matches = append(matches, DepositMatch{
					TxHash:      lg.TxHash.Hex(),
					BlockNumber: lg.BlockNumber,
					Amount:      money.FromWei(wei, money.USDTDecimals),
				})
			}
		}

		if from == lowBound {
			break
		}
		to = from
	}
	return matches, nil
}

// VerifyPlexPayment implements verify_plex_payment (spec §4.6.3): scans
// PLEX Transfer events to=systemWallet in fixed-size chunks, newest first,
// and returns the first match whose from==sender and value>=amountPlex.
// When multiple matching transfers exist in the window, the first match by
// event order (descending block number, as returned by the newest-first
// chunk walk) is returned — this mirrors the source's own behavior
// (spec §9 Open Questions).
func (g *Gateway) VerifyPlexPayment(ctx context.Context, sender common.Address, amountPlex money.Amount, lookbackBlocks uint64) (*DepositMatch, error) {
	const chunkSize = 5_000
	if lookbackBlocks == 0 || lookbackBlocks > MaxScanWindowBlocks {
		lookbackBlocks = MaxScanWindowBlocks
	}

	var head uint64
	err := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, core.Wrap(core.KindRPCTransient, "", "resolve latest block", err)
	}

	var lowBound uint64
	if head > lookbackBlocks {
		lowBound = head - lookbackBlocks
	}
	minWei := amountPlex.ToWei(money.PLEXDecimals)

	to := head
	for to > lowBound {
		from := lowBound
		if to > chunkSize && to-chunkSize > lowBound {
			from = to - chunkSize
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{g.plexAddress},
			Topics: [][]common.Hash{
				{TransferEventSignature},
				{},
				{common.BytesToHash(g.systemWallet.Bytes())},
			},
		}
		var logs []types.Log
		cerr := g.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			logs, err = c.FilterLogs(ctx, query)
			return err
		})
		if cerr != nil {
			g.log.Sugar().Warnw("verify_plex_payment chunk failed, continuing", "from", from, "to", to, "error", cerr)
			if from == lowBound {
				break
			}
			to = from
			continue
		}

		// Sort newest first within the chunk (spec §4.4.2).
		sortLogsDescending(logs)
		for _, lg := range logs {
			fromAddr := common.HexToAddress(lg.Topics[1].Hex())
			if fromAddr != sender {
				continue
			}
			vals, err := ERC20ABI.Unpack("Transfer", lg.Data)
			if err != nil || len(vals) == 0 {
				continue
			}
			wei, ok := vals[0].(*big.Int)
			if !ok || wei.Cmp(minWei) < 0 {
				continue
			}
			return &DepositMatch{
				TxHash:      lg.TxHash.Hex(),
				BlockNumber: lg.BlockNumber,
				Amount:      money.FromWei(wei, money.PLEXDecimals),
			}, nil
		}

		if from == lowBound {
			break
		}
		to = from
	}
	return nil, nil
}

func sortLogsDescending(logs []types.Log) {
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && logs[j].BlockNumber > logs[j-1].BlockNumber; j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}
}
