package runner

import (
	"sync/atomic"
)

// StopState 停止标志的三种状态
type StopState int32

const (
	Running StopState = iota
	StopRequested
	Stopped
)

func (s StopState) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText 状态接口里以名称输出
func (s StopState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StopFlag 协作式停止标志。工作协程在每个检查点读取，控制面板只负责写入。
type StopFlag struct {
	state atomic.Int32
}

// NewStopFlag 初始为 Stopped，没有任何运行
func NewStopFlag() *StopFlag {
	f := &StopFlag{}
	f.state.Store(int32(Stopped))
	return f
}

// Reset 每次运行开始时重置为 Running
func (f *StopFlag) Reset() {
	f.state.Store(int32(Running))
}

// Request 请求停止。只有运行中才会生效，返回是否改变了状态。
func (f *StopFlag) Request() bool {
	return f.state.CompareAndSwap(int32(Running), int32(StopRequested))
}

// MarkStopped 工作协程退出时调用
func (f *StopFlag) MarkStopped() {
	f.state.Store(int32(Stopped))
}

// State 当前状态
func (f *StopFlag) State() StopState {
	return StopState(f.state.Load())
}

// StopRequested 是否应当停止
func (f *StopFlag) StopRequested() bool {
	return f.State() != Running
}

// Phase 控制循环所处阶段
type Phase int32

const (
	Idle Phase = iota
	EnumeratingTasks
	SelectingTask
	EnumeratingTabs
	SelectingTab
	Classifying
	Dispatching
	NextTab
	NextTask
	Done
)

var phaseNames = [...]string{
	Idle:             "Idle",
	EnumeratingTasks: "EnumeratingTasks",
	SelectingTask:    "SelectingTask",
	EnumeratingTabs:  "EnumeratingTabs",
	SelectingTab:     "SelectingTab",
	Classifying:      "Classifying",
	Dispatching:      "Dispatching",
	NextTab:          "NextTab",
	NextTask:         "NextTask",
	Done:             "Done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Phase(?)"
	}
	return phaseNames[p]
}

// MarshalText 状态接口里以名称输出
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
