package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"TokenLaunch-Orchestrator/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultReceiptPollInterval = 2 * time.Second

// Config 描述如何构造托管签名客户端。
type Config struct {
	Name       string
	RPCURL     string
	PrivateKey string
	// ChainID 为 0 时从节点查询。
	ChainID int64
	// Legacy 为 true 时发送 legacy 交易，用于不支持 EIP-1559 的链。
	Legacy              bool
	ReceiptPollInterval time.Duration
	// GasMultiplier 对估算的 gas 上限放大，默认 1.2。
	GasMultiplier float64
}

// Backend 是客户端所需的节点能力子集，*ethclient.Client 满足该接口。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client 使用服务端持有的私钥对交易签名并广播。
type Client struct {
	name          string
	backend       Backend
	closer        func()
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	legacy        bool
	pollInterval  time.Duration
	gasMultiplier float64

	// sendMu 串行化 nonce 获取与广播，同一私钥只有一条 nonce 序列。
	sendMu sync.Mutex
	mu     sync.Mutex
}

// NewClient 连接 RPC 节点并加载托管私钥。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewClientWithBackend(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewClientWithBackend 基于给定后端创建客户端，测试中可注入假节点。
func NewClientWithBackend(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("链访问后端不能为空")
	}
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	} else {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	interval := cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = defaultReceiptPollInterval
	}
	multiplier := cfg.GasMultiplier
	if multiplier < 1 {
		multiplier = 1.2
	}

	return &Client{
		name:          cfg.Name,
		backend:       backend,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		legacy:        cfg.Legacy,
		pollInterval:  interval,
		gasMultiplier: multiplier,
	}, nil
}

// ParsePrivateKey 解析十六进制私钥，允许带 0x 前缀。
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("未配置托管私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("解析托管私钥失败: %w", err)
	}
	return key, nil
}

// Name 返回链名称。
func (c *Client) Name() string {
	return c.name
}

// Address 实现 web3.Client 接口。
func (c *Client) Address() common.Address {
	return c.from
}

// SendTransaction 构造、签名并广播交易。
func (c *Client) SendTransaction(ctx context.Context, call web3.Call) (common.Hash, error) {
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 %s 调用失败: %w", call.Method, err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 nonce 失败: %w", err)
	}

	to := call.To
	gasLimit := call.GasLimit
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &to, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("估算 %s gas 失败: %w", call.Method, err)
		}
		gasLimit = uint64(float64(estimated) * c.gasMultiplier)
	}

	var txData coretypes.TxData
	if c.legacy {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("获取 gas 价格失败: %w", err)
		}
		txData = &coretypes.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gasLimit, To: &to, Value: value, Data: data}
	} else {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("获取小费上限失败: %w", err)
		}
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return common.Hash{}, fmt.Errorf("获取最新区块头失败: %w", err)
		}
		feeCap := new(big.Int).Set(tip)
		if head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		txData = &coretypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		}
	}

	signed, err := coretypes.SignTx(coretypes.NewTx(txData), coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt 轮询回执，直到获取成功或 ctx 结束。
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*web3.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			result := &web3.Receipt{TxHash: hash, Status: receipt.Status, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return result, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CallContract 执行只读调用并按 ABI 解码输出。
func (c *Client) CallContract(ctx context.Context, call web3.Call) ([]any, error) {
	data, err := call.Pack()
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", call.Method, err)
	}
	to := call.To
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", call.Method, err)
	}
	values, err := call.ABI.Unpack(call.Method, output)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", call.Method, err)
	}
	return values, nil
}

// FilterLogs 实现 web3.Client 接口。
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询日志失败: %w", err)
	}
	return logs, nil
}

// BlockNumber 实现 web3.Client 接口。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	number, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return number, nil
}

// Close 释放节点连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

var _ web3.Client = (*Client)(nil)
