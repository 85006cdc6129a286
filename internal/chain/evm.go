package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/metrics"
)

// erc20TransferSelector is keccak256("transfer(address,uint256)")[:4].
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// transferGasLimit covers an ERC-20 transfer with headroom for tokens that
// do balance bookkeeping on transfer (USDC fits comfortably).
const transferGasLimit = 100_000

// EVMExecutor settles payments by sending ERC-20 transfers from the
// platform executor key on an EVM chain.
type EVMExecutor struct {
	client        *ethclient.Client
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	token         common.Address
	confirmations uint64
	rpcTimeout    time.Duration
	pollInterval  time.Duration
	log           zerolog.Logger
	metrics       *metrics.Metrics
}

// NewEVMExecutor dials the RPC endpoint and derives the executor address
// from the private key.
func NewEVMExecutor(rpcURL, privateKeyHex, tokenAddr string, chainID int64, confirmations uint64, rpcTimeout time.Duration, log zerolog.Logger, m *metrics.Metrics) (*EVMExecutor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, newErr(ClassValidation, "invalid executor key: %v", err)
	}
	if err := ValidateEVMAddress(tokenAddr); err != nil {
		return nil, err
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, newErr(ClassTransient, "dial %s: %v", rpcURL, err)
	}
	if confirmations == 0 {
		confirmations = 2
	}
	if rpcTimeout == 0 {
		rpcTimeout = 30 * time.Second
	}
	return &EVMExecutor{
		client:        client,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(chainID),
		token:         common.HexToAddress(tokenAddr),
		confirmations: confirmations,
		rpcTimeout:    rpcTimeout,
		pollInterval:  2 * time.Second,
		log:           log.With().Str("component", "evm_executor").Logger(),
		metrics:       m,
	}, nil
}

// Address returns the executor's sending address.
func (e *EVMExecutor) Address() string { return e.from.Hex() }

// Close releases the RPC connection.
func (e *EVMExecutor) Close() error {
	e.client.Close()
	return nil
}

func transferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// Transfer submits transfer(to, amount) on the token contract, retrying
// transient submission errors, then waits for the confirmation depth.
func (e *EVMExecutor) Transfer(ctx context.Context, to string, amount string) (*Receipt, error) {
	if err := ValidateEVMAddress(to); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, newErr(ClassValidation, "invalid transfer amount %q", amount)
	}
	recipient := common.HexToAddress(to)

	var txHash common.Hash
	submit := func() error {
		hash, err := e.submit(ctx, recipient, value)
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	}
	if err := withRetry(ctx, submit); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("tx", txHash.Hex()).
		Str("to", to).
		Str("amount", amount).
		Msg("transfer submitted")

	return e.waitConfirmed(ctx, txHash)
}

func (e *EVMExecutor) submit(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	start := time.Now()
	nonce, err := e.client.PendingNonceAt(rpcCtx, e.from)
	e.metrics.ObserveRPC("pending_nonce", e.chainID.String(), time.Since(start), err)
	if err != nil {
		return common.Hash{}, err
	}

	start = time.Now()
	gasPrice, err := e.client.SuggestGasPrice(rpcCtx)
	e.metrics.ObserveRPC("gas_price", e.chainID.String(), time.Since(start), err)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), transferGasLimit, gasPrice, transferCalldata(to, amount))
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, newErr(ClassFatal, "sign transaction: %v", err)
	}

	start = time.Now()
	err = e.client.SendTransaction(rpcCtx, signed)
	e.metrics.ObserveRPC("send_transaction", e.chainID.String(), time.Since(start), err)
	if err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (e *EVMExecutor) waitConfirmed(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, done, err := e.checkReceipt(ctx, txHash)
		if err != nil && Classify(err) != ClassTransient {
			return nil, err
		}
		if done {
			return receipt, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, newErr(ClassTransient, "confirmation wait: %v", ctx.Err())
		}
	}
}

func (e *EVMExecutor) checkReceipt(ctx context.Context, txHash common.Hash) (*Receipt, bool, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	receipt, err := e.client.TransactionReceipt(rpcCtx, txHash)
	if err == ethereum.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, false, newErr(ClassFatal, "transaction %s reverted", txHash.Hex())
	}

	head, err := e.client.BlockNumber(rpcCtx)
	if err != nil {
		return nil, false, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < e.confirmations {
		return nil, false, nil
	}
	return &Receipt{TxHash: txHash.Hex(), BlockNumber: mined}, true, nil
}

// Confirmed reports whether a previously submitted transaction reached the
// confirmation depth. A missing transaction is not an error.
func (e *EVMExecutor) Confirmed(ctx context.Context, txHash string) (*Receipt, bool, error) {
	receipt, done, err := e.checkReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, false, err
	}
	return receipt, done, nil
}

var _ Executor = (*EVMExecutor)(nil)
