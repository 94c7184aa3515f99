// Package intake 从外部消息通道接收 JSON 交易请求并提交给调度器。
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/scheduler"
	"TreasuryGuard/pkg/logger"
)

// Handler 处理一条原始消息。返回错误表示消息应被重新投递。
type Handler func(ctx context.Context, payload []byte) error

// Publisher 向通道投递请求。
type Publisher interface {
	Publish(ctx context.Context, req ledger.TransactionRequest) error
	Close() error
}

// Source 从通道消费消息。
type Source interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备投递与消费能力。
type Queue interface {
	Publisher
	Source
}

// Submitter 接收解析后的请求，通常是控制器。
type Submitter interface {
	Submit(ctx context.Context, req ledger.TransactionRequest) (*scheduler.Outcome, error)
}

// Encode 把请求编码为消息体。
func Encode(req ledger.TransactionRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易请求失败")
	}
	return data, nil
}

// Decode 解析消息体，未知字段视为格式错误。
func Decode(payload []byte) (ledger.TransactionRequest, error) {
	var req ledger.TransactionRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return ledger.TransactionRequest{}, xerrors.Wrap(xerrors.CodeValidation, err, "交易请求格式错误")
	}
	return req, nil
}

// SubmitHandler 返回把消息提交给 sub 的处理函数。
// 格式错误与不可重试的拒绝只记录日志并丢弃，可重试的提交错误交给通道重新投递。
func SubmitHandler(sub Submitter, channel string) Handler {
	log := logger.Named("intake")
	return func(ctx context.Context, payload []byte) error {
		req, err := Decode(payload)
		if err != nil {
			log.Warn("丢弃格式错误的消息", slog.String("channel", channel), slog.Any("error", err))
			return nil
		}
		outcome, err := sub.Submit(ctx, req)
		if err != nil {
			if xerrors.RetryableError(err) {
				return err
			}
			log.Warn("请求提交被拒绝",
				slog.String("channel", channel),
				slog.String("request_id", req.ID),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
			return nil
		}
		log.Debug("收到交易请求",
			slog.String("channel", channel),
			slog.String("request_id", outcome.RequestID),
			slog.String("status", string(outcome.Status)),
		)
		return nil
	}
}

// Run 以 workers 个协程消费 src 直到 ctx 结束。
func Run(ctx context.Context, src Source, sub Submitter, channel string, workers int) error {
	if src == nil || sub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "请求通道未初始化")
	}
	logger.Named("intake").Info("开始消费请求通道", slog.String("channel", channel), slog.Int("workers", workers))
	return src.Consume(ctx, workers, SubmitHandler(sub, channel))
}
