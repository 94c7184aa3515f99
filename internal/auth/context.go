package auth

import "context"

type operatorKey struct{}

// ContextWithOperator 把已认证的操作员放入请求上下文。
func ContextWithOperator(ctx context.Context, op *Operator) context.Context {
	if op == nil {
		return ctx
	}
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom 取出上下文中的操作员，未认证时返回 nil。
func OperatorFrom(ctx context.Context) *Operator {
	if ctx == nil {
		return nil
	}
	op, _ := ctx.Value(operatorKey{}).(*Operator)
	return op
}
