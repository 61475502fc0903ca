package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/money"
)

// Gas defaults and bounds (spec §4.4.1, documented constants).
const (
	defaultUSDTTransferGas uint64 = 100_000
	defaultNativeTransferGas uint64 = 21_000
	gasEstimateSafetyNumerator = 12
	gasEstimateSafetyDenominator = 10

	maxRetries = 3
	retryBaseSeconds = 2 // backoff: retryBaseSeconds^attempt

	previousTxWaitTimeout = 60 * time.Second
	confirmationWaitTimeout = 120 * time.Second
	stuckTxPendingAheadOfLatest = 5
)

// GasBounds are chain-specific clamps for suggested gas price, in gwei.
type GasBounds struct {
	MinGwei int64
	MaxGwei int64
}

// SendStatus is the disposition of a payment send attempt (spec §4.4.1
// "Returned shape").
type SendStatus string

const (
	StatusConfirmed SendStatus = "confirmed"
	StatusFailed    SendStatus = "failed"
	StatusPending   SendStatus = "pending"
)

// SendResult is the uniform shape every payment send returns.
type SendResult struct {
	Success     bool
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Err         error
	Status      SendStatus
}

// PaymentSender implements C4's payment sender (spec §4.4.1): ERC-20
// transfers from a single configured payout wallet, serialized per wallet
// by a nonce_lock, with bounded retries and a receipt-timeout treated as
// pending (never failed).
type PaymentSender struct {
	gateway    *Gateway
	locker     lock.Locker
	privateKeyHex string
	payoutAddr  common.Address
	chainID     *big.Int
	gasBounds   GasBounds
	log         *logger.Logger
}

// NewPaymentSender constructs a sender. privateKeyHex is read once from the
// out-of-scope secret store seam and held only as a string; the derived
// *ecdsa.PrivateKey is reconstructed and discarded inside every Send call
// (spec §5: "the derived signer object has minimized lifetime").
func NewPaymentSender(gw *Gateway, locker lock.Locker, privateKeyHex string, payoutAddr common.Address, chainID *big.Int, bounds GasBounds) *PaymentSender {
	return &PaymentSender{
		gateway:       gw,
		locker:        locker,
		privateKeyHex: privateKeyHex,
		payoutAddr:    payoutAddr,
		chainID:       chainID,
		gasBounds:     bounds,
		log:           logger.New("chain.payment"),
	}
}

// SendUSDT sends an ERC-20 USDT transfer to `to` for `amount`, resuming
// from previousTxHash if the caller is retrying an earlier pending result
// (spec §4.4.1 step 1).
func (s *PaymentSender) SendUSDT(ctx context.Context, to common.Address, amount money.Amount, previousTxHash string) SendResult {
	return s.send(ctx, &s.gateway.usdtAddress, to, amount.ToWei(money.USDTDecimals), defaultUSDTTransferGas, true, previousTxHash)
}

// SendPLEX sends an ERC-20 PLEX transfer.
func (s *PaymentSender) SendPLEX(ctx context.Context, to common.Address, amount money.Amount, previousTxHash string) SendResult {
	return s.send(ctx, &s.gateway.plexAddress, to, amount.ToWei(money.PLEXDecimals), defaultUSDTTransferGas, true, previousTxHash)
}

// SendNative sends native coin.
func (s *PaymentSender) SendNative(ctx context.Context, to common.Address, amount money.Amount, previousTxHash string) SendResult {
	return s.send(ctx, nil, to, amount.ToWei(money.NativeDecimals), defaultNativeTransferGas, false, previousTxHash)
}

// send is the per-call sequence of spec §4.4.1, run under nonce_lock:{payout_address}.
func (s *PaymentSender) send(ctx context.Context, tokenContract *common.Address, to common.Address, wei *big.Int, defaultGas uint64, isToken bool, previousTxHash string) SendResult {
	lockKey := "nonce_lock:" + s.payoutAddr.Hex()

	var result SendResult
	err := lock.WithLock(ctx, s.locker, lock.Options{Key: lockKey, Timeout: 30 * time.Second, Blocking: true, BlockingTimeout: 10 * time.Second}, func(ctx context.Context) error {
		result = s.sendLocked(ctx, tokenContract, to, wei, defaultGas, isToken, previousTxHash)
		return nil
	})
	if err != nil {
		return SendResult{Success: false, Err: err, Status: StatusFailed}
	}
	return result
}

func (s *PaymentSender) sendLocked(ctx context.Context, tokenContract *common.Address, to common.Address, wei *big.Int, defaultGas uint64, isToken bool, previousTxHash string) SendResult {
	txHash := previousTxHash
	var attemptErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Step 1: previous-tx check.
		if txHash != "" {
			res, done := s.checkPrevious(ctx, txHash)
			if done {
				return res
			}
		}

		if attempt == maxRetries {
			break
		}
		if attempt > 0 {
			backoff := time.Duration(pow(retryBaseSeconds, attempt)) * time.Second
			select {
			case <-ctx.Done():
				return SendResult{Success: false, Status: StatusFailed, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		sentHash, err := s.submit(ctx, tokenContract, to, wei, defaultGas, isToken)
		if err != nil {
			attemptErr = err
			s.log.Sugar().Warnw("payment submit failed, will retry", "attempt", attempt, "error", err)
			continue
		}
		txHash = sentHash

		res, done := s.waitForReceipt(ctx, txHash, confirmationWaitTimeout)
		if done {
			return res
		}
		// Receipt timed out: not a failure, return pending with the tx hash
		// so the caller can resume from step 1 on a subsequent call.
		return SendResult{Success: true, TxHash: txHash, Status: StatusPending}
	}

	if txHash != "" {
		return SendResult{Success: true, TxHash: txHash, Status: StatusPending}
	}
	return SendResult{Success: false, Status: StatusFailed, Err: core.Wrap(core.KindRPCTransient, "", "payment send exhausted retries", attemptErr)}
}

// checkPrevious implements step 1: if a prior tx_hash was provided, query
// its receipt; confirmed short-circuits with success, pending waits up to
// 60s for inclusion.
func (s *PaymentSender) checkPrevious(ctx context.Context, txHash string) (SendResult, bool) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(previousTxWaitTimeout)
	for {
		var receipt *types.Receipt
		err := s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			receipt, err = c.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return SendResult{Success: true, TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64(), GasUsed: receipt.GasUsed, Status: StatusConfirmed}, true
			}
			return SendResult{Success: false, TxHash: txHash, Status: StatusFailed, Err: core.New(core.KindChainReverted, "", "transaction reverted")}, true
		}
		// Not found yet / still pending.
		if time.Now().After(deadline) {
			return SendResult{}, false
		}
		select {
		case <-ctx.Done():
			return SendResult{Success: true, TxHash: txHash, Status: StatusPending}, true
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *PaymentSender) waitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (SendResult, bool) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var receipt *types.Receipt
		err := s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			receipt, err = c.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return SendResult{Success: true, TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64(), GasUsed: receipt.GasUsed, Status: StatusConfirmed}, true
			}
			return SendResult{Success: false, TxHash: txHash, Status: StatusFailed, Err: core.New(core.KindChainReverted, "", "transaction reverted")}, true
		}
		select {
		case <-ctx.Done():
			return SendResult{}, false
		case <-time.After(2 * time.Second):
		}
	}
	return SendResult{}, false
}

// submit performs steps 2–5: nonce selection, gas estimation, gas price
// clamping, signing, and broadcast.
func (s *PaymentSender) submit(ctx context.Context, tokenContract *common.Address, to common.Address, wei *big.Int, defaultGas uint64, isToken bool) (string, error) {
	var pendingNonce, latestNonce uint64
	err := s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		pendingNonce, err = c.PendingNonceAt(ctx, s.payoutAddr)
		return err
	})
	if err != nil {
		return "", core.Wrap(core.KindRPCTransient, "", "fetch pending nonce", err)
	}
	_ = s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		latestNonce, err = c.NonceAt(ctx, s.payoutAddr, nil)
		return err
	})
	if pendingNonce > latestNonce+stuckTxPendingAheadOfLatest {
		s.log.Sugar().Warnw("possible stuck transaction: pending nonce far ahead of latest", "pending", pendingNonce, "latest", latestNonce)
	}
	nonce := pendingNonce

	var to2 common.Address
	var data []byte
	value := big.NewInt(0)
	if isToken && tokenContract != nil {
		to2 = *tokenContract
		data, err = packTransfer(to, wei)
		if err != nil {
			return "", core.Wrap(core.KindInternal, "", "pack transfer calldata", err)
		}
	} else {
		to2 = to
		value = wei
	}

	gasLimit := defaultGas
	err = s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		est, err := c.EstimateGas(ctx, ethereum.CallMsg{From: s.payoutAddr, To: &to2, Value: value, Data: data})
		if err != nil {
			return err
		}
		gasLimit = est * gasEstimateSafetyNumerator / gasEstimateSafetyDenominator
		return nil
	})
	if err != nil {
		s.log.Sugar().Warnw("gas estimation failed, using default", "default", defaultGas, "error", err)
		gasLimit = defaultGas
	}

	var gasPrice *big.Int
	err = s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		gasPrice, err = c.SuggestGasPrice(ctx)
		return err
	})
	if err != nil || gasPrice == nil {
		return "", core.Wrap(core.KindRPCTransient, "", "suggest gas price", err)
	}
	gasPrice = clampGasPrice(gasPrice, s.gasBounds)

	tx := types.NewTransaction(nonce, to2, value, gasLimit, gasPrice, data)

	privKey, err := crypto.HexToECDSA(s.privateKeyHex)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "", "parse payout private key", err)
	}
	signedTx, err := signAndDiscard(tx, s.chainID, privKey)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "", "sign transaction", err)
	}

	err = s.gateway.withLimit(ctx, func(ctx context.Context, c *ethclient.Client) error {
		return c.SendTransaction(ctx, signedTx)
	})
	if err != nil {
		return "", core.Wrap(core.KindRPCTransient, "", "broadcast transaction", err)
	}
	return signedTx.Hash().Hex(), nil
}

// signAndDiscard signs tx with key and immediately lets key go out of
// scope; the caller holds no reference to it afterward (spec §5).
func signAndDiscard(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.NewEIP155Signer(chainID)
	return types.SignTx(tx, signer, key)
}

func clampGasPrice(suggested *big.Int, bounds GasBounds) *big.Int {
	if bounds.MinGwei <= 0 && bounds.MaxGwei <= 0 {
		return suggested
	}
	gwei := big.NewInt(1_000_000_000)
	min := new(big.Int).Mul(big.NewInt(bounds.MinGwei), gwei)
	max := new(big.Int).Mul(big.NewInt(bounds.MaxGwei), gwei)
	if bounds.MinGwei > 0 && suggested.Cmp(min) < 0 {
		return min
	}
	if bounds.MaxGwei > 0 && suggested.Cmp(max) > 0 {
		return max
	}
	return suggested
}

func pow(base, exp int) int64 {
	r := int64(1)
	for i := 0; i < exp; i++ {
		r *= int64(base)
	}
	return r
}
