// Package deployer 调用外部合约部署服务部署挖矿合约与支付合约。
package deployer
