// Package web3 封装编排服务与 EVM 链的交互：托管签名发送交易、等待回执、
// 只读合约调用与日志查询，并提供常用合约的 ABI 定义与多链配置加载。
package web3
