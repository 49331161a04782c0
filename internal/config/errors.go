package config

import (
	"fmt"
	"strings"
)

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// FieldErrors 汇总一次校验发现的全部字段问题，--check-config 可以一次列出，
// 不必逐条修改后反复重试。
type FieldErrors []FieldError

func (errs FieldErrors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Unwrap 使 errors.As 能取到其中任意一个 FieldError。
func (errs FieldErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// Has 判断是否存在指定字段路径的错误。
func (errs FieldErrors) Has(field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func (errs *FieldErrors) add(field, reason string) {
	*errs = append(*errs, FieldError{Field: field, Reason: reason})
}

func (errs FieldErrors) orNil() error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// agentField 拼接 Agent 段字段路径，输出 Agent.Field 或 Agent.Field[i] 形式。
func agentField(field string, index ...int) string {
	if len(index) == 0 {
		return "Agent." + field
	}
	return fmt.Sprintf("Agent.%s[%d]", field, index[0])
}
