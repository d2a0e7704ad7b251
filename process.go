package sham

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Priority 进程优先级。数值同时是默认的时间片长度：越小轮转得越勤。
type Priority int

const (
	High   Priority = 5
	Normal Priority = 10
	Low    Priority = 15
)

func (p Priority) String() string {
	switch p {
	case High:
		return "High"
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority 解析 "high" / "normal" / "low"（不区分大小写）
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// UnmarshalYAML 让配置文件里可以直接写 priority: high
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML 对应 UnmarshalYAML
func (p Priority) MarshalYAML() (interface{}, error) {
	return strings.ToLower(p.String()), nil
}

// Process 进程：一组线程 + 一个地址空间。
// 进程和线程的创建、回收归 ProcessManager 管，调度器只读写它关心的字段。
type Process struct {
	Id       int
	Name     string
	Priority Priority
	Threads  []*Thread
	// Registered 已经交给调度器了
	Registered bool
	// UserMode 线程在用户态（ring 3）运行
	UserMode bool
	Memory   *MemoryLayout
}

// FindThread 按 id 找线程
func (p *Process) FindThread(tid int) *Thread {
	for _, t := range p.Threads {
		if t.Id == tid {
			return t
		}
	}
	return nil
}

func (p *Process) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Id)
}

// idleRunnable 是空闲线程：什么都不做，永远不结束。
// OS 启动时总会有这个线程在 Active Queue 里，保证调度器总有东西可选。
func idleRunnable(contextual *Contextual) int {
	return StatusRunning
}
