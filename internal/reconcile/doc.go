// Package reconcile 将链上由外部修改的募集状态同步回 Agent 记录。
//
// Listener 以固定间隔轮询 TimeUpdated 事件并写入新的时间窗口；
// SuccessChecker 在募集结束后读取合约判断募集是否成功。
package reconcile
