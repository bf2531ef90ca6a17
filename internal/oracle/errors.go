package oracle

import (
	"errors"
	"fmt"
)

// ErrGenerationFailure 生成服务调用失败、超时或返回内容不符合约定
var ErrGenerationFailure = errors.New("生成服务调用失败")

// GenerationError 包含任务和失败原因的生成错误
type GenerationError struct {
	Task   string // questions, scoring, follow_up, report
	Op     string // call, extract, decode, validate
	Detail string
	Cause  error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("%s (任务:%s, 操作:%s)", ErrGenerationFailure, e.Task, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Is 实现 errors.Is 接口，所有 GenerationError 都匹配 ErrGenerationFailure
func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailure
}

func newCallError(task string, cause error) error {
	return &GenerationError{Task: task, Op: "call", Cause: cause}
}

func newExtractError(task, detail string) error {
	return &GenerationError{Task: task, Op: "extract", Detail: detail}
}

func newDecodeError(task string, cause error) error {
	return &GenerationError{Task: task, Op: "decode", Cause: cause}
}

func newValidateError(task, format string, args ...any) error {
	return &GenerationError{Task: task, Op: "validate", Detail: fmt.Sprintf(format, args...)}
}
