package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Error 携带错误码、面向操作员的信息和结构化上下文。
// retryable 与 severity 为 nil 时取错误码注册的默认值。
type Error struct {
	code      Code
	message   string
	cause     error
	details   map[string]string
	retryable *bool
	severity  *Severity
}

// Option 在构造时修改 Error。
type Option func(*Error)

// WithDetail 附加一条上下文，例如触发的限额窗口或失败的合规条目。
func WithDetail(key, value string) Option {
	return WithDetails(map[string]string{key: value})
}

func WithDetails(details map[string]string) Option {
	return func(e *Error) {
		if len(details) == 0 {
			return
		}
		if e.details == nil {
			e.details = make(map[string]string, len(details))
		}
		maps.Copy(e.details, details)
	}
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 构造错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	return build(code, nil, message, opts)
}

// Wrap 与 New 相同，但保留 cause 供 errors.Is/As 解包。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	return build(code, cause, message, opts)
}

func build(code Code, cause error, message string, opts []Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message, cause: cause}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Error 输出 "[CODE] message (k=v, ...): cause"，上下文按键排序。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[" + string(e.code) + "] " + e.message)
	if len(e.details) > 0 {
		pairs := make([]string, 0, len(e.details))
		for _, k := range slices.Sorted(maps.Keys(e.details)) {
			pairs = append(pairs, k+"="+e.details[k])
		}
		b.WriteString(" (" + strings.Join(pairs, ", ") + ")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，errors.Is(err, New(code, "")) 即可判断错误码。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Details 返回上下文的副本。
func (e *Error) Details() map[string]string {
	if e == nil || len(e.details) == 0 {
		return nil
	}
	return maps.Clone(e.details)
}

func (e *Error) Detail(key string) string {
	if e == nil {
		return ""
	}
	return e.details[key]
}

func (e *Error) attributes() Attributes {
	return AttributesOf(e.Code())
}

// Retryable 优先使用 WithRetryable，否则取错误码的默认值。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return e.attributes().Retryable
	}
}

func (e *Error) ShouldAlert() bool {
	return e != nil && e.attributes().Alert
}

// Severity 优先使用 WithSeverity，否则取错误码的默认值。
func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != nil:
		return *e.severity
	default:
		return e.attributes().Severity
	}
}

// From 返回错误链中第一个 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	ok := err != nil && stdErrors.As(err, &target)
	return target, ok
}

// inspect 对错误链中的 *Error 求值，没有时返回 fallback。
func inspect[T any](err error, get func(*Error) T, fallback T) T {
	if e, ok := From(err); ok {
		return get(e)
	}
	return fallback
}

func CodeOf(err error) Code {
	return inspect(err, (*Error).Code, CodeUnknown)
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

func DetailOf(err error, key string) string {
	return inspect(err, func(e *Error) string { return e.Detail(key) }, "")
}

// RetryableError 判断任意 error 是否值得重试。未分类的错误视为瞬时故障。
func RetryableError(err error) bool {
	return err != nil && inspect(err, (*Error).Retryable, true)
}

func ShouldAlert(err error) bool {
	return inspect(err, (*Error).ShouldAlert, false)
}

func SeverityOf(err error) Severity {
	return inspect(err, (*Error).Severity, AttributesOf(CodeUnknown).Severity)
}

// IsCritical 判断执行失败是否应触发紧急模式：显式标记为 critical，
// 或错误信息提及 security / critical。
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := From(err); ok && e.severity != nil && *e.severity == SeverityCritical {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "security") || strings.Contains(msg, "critical")
}
