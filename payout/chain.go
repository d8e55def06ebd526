package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultRPCURL is the public Lisk L2 endpoint.
const DefaultRPCURL = "https://lisk.drpc.org"

// ErrWatchOnly is returned by Submit on a chain opened without a key.
var ErrWatchOnly = errors.New("watch-only wallet cannot sign transactions")

// EthChain pays from a single key over an EVM JSON-RPC endpoint using
// EIP-1559 transactions. Without a key it only reads balance and fees.
type EthChain struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
}

// DialEthChain connects to rpcURL and loads the signing key. gasLimit of
// zero asks the node for an estimate per transfer.
func DialEthChain(ctx context.Context, rpcURL, keyHex string, gasLimit uint64) (*EthChain, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return dialChain(ctx, rpcURL, key, crypto.PubkeyToAddress(key.PublicKey), gasLimit)
}

// DialWatchChain opens a watch-only chain for address. Preflight checks run
// against its balance; Submit always fails with ErrWatchOnly.
func DialWatchChain(ctx context.Context, rpcURL, address string, gasLimit uint64) (*EthChain, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address %q", address)
	}
	return dialChain(ctx, rpcURL, nil, common.HexToAddress(address), gasLimit)
}

func dialChain(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, from common.Address, gasLimit uint64) (*EthChain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	return &EthChain{
		client:   client,
		key:      key,
		from:     from,
		chainID:  chainID,
		gasLimit: gasLimit,
	}, nil
}

// Address returns the sending account.
func (c *EthChain) Address() common.Address {
	return c.from
}

func (c *EthChain) WatchOnly() bool {
	return c.key == nil
}

func (c *EthChain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *EthChain) Balance(ctx context.Context) (*big.Int, error) {
	return c.client.BalanceAt(ctx, c.from, nil)
}

// EstimateFee prices the transfer at twice the current base fee plus the
// suggested tip, the usual ceiling for inclusion within a few blocks.
func (c *EthChain) EstimateFee(ctx context.Context, to common.Address, value *big.Int) (FeeEstimate, error) {
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("suggest tip: %w", err)
	}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("latest header: %w", err)
	}

	var maxFee *big.Int
	if head.BaseFee != nil {
		maxFee = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	} else {
		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return FeeEstimate{}, fmt.Errorf("suggest gas price: %w", err)
		}
		maxFee = gasPrice
		if tip.Cmp(maxFee) > 0 {
			tip = new(big.Int).Set(maxFee)
		}
	}

	gasLimit := c.gasLimit
	if gasLimit == 0 {
		gasLimit, err = c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value})
		if err != nil {
			return FeeEstimate{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	return FeeEstimate{GasLimit: gasLimit, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (c *EthChain) Submit(ctx context.Context, to common.Address, value *big.Int, fee FeeEstimate) (string, error) {
	if c.key == nil {
		return "", ErrWatchOnly
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fee.MaxPriorityFeePerGas,
		GasFeeCap: fee.MaxFeePerGas,
		Gas:       fee.GasLimit,
		To:        &to,
		Value:     value,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (c *EthChain) Close() {
	c.client.Close()
}
