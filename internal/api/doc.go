// Package api 暴露运维 HTTP 接口：提交交易、查询结果、审批签署、账户冻结管理、对账与紧急模式控制。
package api
