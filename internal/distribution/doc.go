// Package distribution 实现链上发行的编排逻辑。
//
// Executor 负责单笔链上效果的提交与回执分类；Engine 在此之上按固定顺序
// 执行完整分发流程（creator、iao、liquidity、airdrop、burn、ownership）
// 以及添加流动性、销毁、转移所有权、部署合约等单步流程。所有步骤都以
// Agent 上的标记作为前置条件的依据，以任务账本记录实际发生的效果。
package distribution
