package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call 描述一次合约调用。Value 仅在原生币转账时设置。
type Call struct {
	To       common.Address
	ABI      abi.ABI
	Method   string
	Args     []any
	Value    *big.Int
	GasLimit uint64
}

// Pack 按 ABI 编码调用数据。
func (c Call) Pack() ([]byte, error) {
	return c.ABI.Pack(c.Method, c.Args...)
}

// Receipt 是交易回执中编排层关心的部分。
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded 判断交易是否执行成功。
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// Client 定义托管签名链客户端需要提供的能力。
type Client interface {
	// Address 返回托管钱包地址。
	Address() common.Address
	// SendTransaction 签名并广播交易，返回交易哈希。
	SendTransaction(ctx context.Context, call Call) (common.Hash, error)
	// WaitReceipt 阻塞直到回执可用或 ctx 结束。
	WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	// CallContract 执行只读调用并返回解码后的输出。
	CallContract(ctx context.Context, call Call) ([]any, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}
