// Package api 暴露发行任务的 REST 接口：提交分发、流动性、销毁、所有权转移
// 与部署任务，查询任务快照和合并视图，并提供健康检查与指标端点。
package api
