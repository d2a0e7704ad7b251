package sham

import "fmt"

// ActiveState 表示线程当前在哪个运行队列里
type ActiveState int

const (
	NotStarted ActiveState = iota
	Active
	Inactive
	Suspended
	Terminated
)

var activeStateNames = [...]string{
	NotStarted: "NotStarted",
	Active:     "Active",
	Inactive:   "Inactive",
	Suspended:  "Suspended",
	Terminated: "Terminated",
}

func (s ActiveState) String() string {
	if s < 0 || int(s) >= len(activeStateNames) {
		return fmt.Sprintf("ActiveState(%d)", int(s))
	}
	return activeStateNames[s]
}

// validTransitions 线程状态的合法转换。Terminated 是终态。
var validTransitions = map[ActiveState][]ActiveState{
	NotStarted: {Active, Inactive, Suspended, Terminated},
	Active:     {Inactive, Suspended, Terminated},
	Inactive:   {Active, Suspended, Terminated},
	Suspended:  {Active, Inactive, Terminated},
}

// CanTransitionTo 判断 s -> next 是否合法
func (s ActiveState) CanTransitionTo(next ActiveState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// keyKind 记录线程的 Key 现在代表什么：在哪个队列里就用哪个量
type keyKind int

const (
	keyRun   keyKind = iota // 剩余时间片（Active Queue）
	keySleep                // 剩余睡眠量（Inactive Queue）
)

// Thread 线程：调度的基本单位。
// 它属于一个 Process，在 CPU 上跑的代码是 State.StartEIP 处的 Runnable。
type Thread struct {
	Id    int
	Owner *Process

	ActiveState ActiveState
	// LastActiveState 上一次被 UpdateList 放进队列时的状态，即它现在所在的队列
	LastActiveState ActiveState

	// TimeToRun 剩余时间片（调度器 tick 数），用完后重置为 TimeToRunReload
	TimeToRun       int
	TimeToRunReload int
	// TimeToSleep 剩余睡眠量（毫秒），在 Inactive Queue 里按更新周期衰减
	TimeToSleep int

	State *ThreadState

	contextual *Contextual

	keyed keyKind
	// resumeTo 挂起前的状态，Resume 时回到这里
	resumeTo ActiveState
}

// Key 返回队列比较用的值
func (t *Thread) Key() int {
	if t.keyed == keySleep {
		return t.TimeToSleep
	}
	return t.TimeToRun
}

// SetKey 写回队列比较用的值
func (t *Thread) SetKey(key int) {
	if t.keyed == keySleep {
		t.TimeToSleep = key
		return
	}
	t.TimeToRun = key
}

// SetActiveState 修改状态，不合法的转换返回 ErrBadStateChange。
// 只改状态不动队列：LastActiveState 要等 UpdateList 放好队列之后才更新，
// 所以在两次放置之间改几次状态都没关系，UpdateList 总能从正确的队列里把它拿出来。
func (t *Thread) SetActiveState(s ActiveState) error {
	if s == t.ActiveState {
		return nil
	}
	if !t.ActiveState.CanTransitionTo(s) {
		return fmt.Errorf("%w: %s %s -> %s", ErrBadStateChange, t, t.ActiveState, s)
	}
	t.ActiveState = s
	return nil
}

func (t *Thread) String() string {
	if t.Owner == nil {
		return fmt.Sprintf("thread(%d)", t.Id)
	}
	return fmt.Sprintf("%s/%d", t.Owner.Name, t.Id)
}

// ThreadState 线程的「硬件」执行状态。
// 只能在闸门关闭时或调度器 tick 中读写。
type ThreadState struct {
	KernelStackTop uint32
	ThreadStackTop uint32
	StartEIP       uint32
	Started        bool
	Terminated     bool
	// ESP 线程被恢复执行时使用的栈指针
	ESP uint32

	// Stack 线程栈所在的内存
	Stack *Stack
	// Context 模拟 CPU 上次停下时的寄存器，首次运行前为 nil
	Context *Context
}

// 模拟程序的返回值：告诉 CPU 这一步之后线程的状况
const (
	// StatusRunning 还没跑完，下一步继续
	StatusRunning = 1
	// StatusDone 入口函数返回了
	StatusDone = 2
)

// Runnable 是线程实际要运行的代码。
// CPU 每个时钟中断调用它一次（一「步」），应该自己在 Contextual 里保存进度。
type Runnable func(contextual *Contextual) int

// Contextual 上下文：线程运行时能看到的环境
type Contextual struct {
	Process *Process
	Thread  *Thread
	// 通过 Contextual.OS.XX 调系统调用
	OS OSInterface
	// 程序计数器：这个线程已经跑了几步
	PC uint
}

// Commit 一步结束
func (c *Contextual) Commit() {
	c.PC += 1
}
