package handlers

import (
	"fmt"

	"ucampus/internal/content"
)

// Status 处理结果
type Status string

const (
	Done    Status = "done"
	Skipped Status = "skipped"
	Failed  Status = "failed"
)

// Result 一次处理的结果。单元级的失败都体现在这里，不会中断控制循环。
type Result struct {
	Status Status                `json:"status"`
	Reason string                `json:"reason,omitempty"`
	Fields []content.FieldResult `json:"fields,omitempty"`
}

func done(reason string) Result {
	return Result{Status: Done, Reason: reason}
}

func skipped(format string, args ...any) Result {
	return Result{Status: Skipped, Reason: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) Result {
	return Result{Status: Failed, Reason: fmt.Sprintf(format, args...)}
}

// Summary 一行摘要，用于日志
func (r Result) Summary() string {
	s := string(r.Status)
	if len(r.Fields) > 0 {
		s += fmt.Sprintf(" (写入 %d, 跳过 %d, 失败 %d)",
			content.Count(r.Fields, content.Written),
			content.Count(r.Fields, content.Skipped),
			content.Count(r.Fields, content.Failed))
	}
	if r.Reason != "" {
		s += ": " + r.Reason
	}
	return s
}
