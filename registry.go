package sham

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Registry 是调度器眼中的「进程管理器」：
// 告诉调度器当前是谁在跑，并负责把 CPU 的当前线程切换成指定的线程。
type Registry interface {
	CurrentProcess() *Process
	CurrentThread() *Thread
	CurrentThreadState() *ThreadState
	// SwitchProcess 让 (processId, threadId) 成为 CPU 逻辑上的当前线程
	SwitchProcess(processId, threadId int)
}

// DefaultStackWords 每个线程栈的默认大小（字）
const DefaultStackWords = 256

// StackRegionBase 线程栈从这里开始往上分配
const StackRegionBase uint32 = 0x00800000

// ProcessManager 进程表：创建进程、线程，记录当前线程。实现 Registry。
// 和调度器一样，只能在 OS 的主循环（那个唯一的「核」）里使用。
type ProcessManager struct {
	Processes []*Process
	Code      *CodeMemory
	// Sys 交给线程的系统调用接口
	Sys OSInterface

	current       *Process
	currentThread *Thread

	nextPid    int
	nextStack  uint32
	stackWords int
}

// NewProcessManager 新建进程表。stackWords <= 0 时用 DefaultStackWords。
func NewProcessManager(code *CodeMemory, stackWords int) *ProcessManager {
	if code == nil {
		code = NewCodeMemory()
	}
	if stackWords <= 0 {
		stackWords = DefaultStackWords
	}
	return &ProcessManager{
		Code:       code,
		nextStack:  StackRegionBase,
		stackWords: stackWords,
	}
}

// CreateProcess 创建一个没有线程的进程，放到进程表里
func (pm *ProcessManager) CreateProcess(name string, userMode bool) *Process {
	p := &Process{
		Id:       pm.nextPid,
		Name:     name,
		Priority: Normal,
		UserMode: userMode,
		Memory:   NewMemoryLayout(),
	}
	pm.nextPid++
	pm.Processes = append(pm.Processes, p)

	log.WithFields(log.Fields{
		"pid":      p.Id,
		"name":     name,
		"userMode": userMode,
	}).Debug("[Registry] CreateProcess")
	return p
}

// CreateThread 给进程 p 创建一个运行 runnable 的线程：
// 装入代码、分配内核栈和线程栈。新线程是 NotStarted，还没交给调度器。
func (pm *ProcessManager) CreateThread(p *Process, runnable Runnable) *Thread {
	entry := pm.Code.Load(runnable)
	p.Memory.MapCode(entry)

	kernelStack := pm.allocStack()
	threadStack := pm.allocStack()
	p.Memory.MapData(kernelStack.Base, kernelStack.Top())
	p.Memory.MapData(threadStack.Base, threadStack.Top())

	t := &Thread{
		Id:              len(p.Threads),
		Owner:           p,
		ActiveState:     NotStarted,
		LastActiveState: NotStarted,
		State: &ThreadState{
			KernelStackTop: kernelStack.Top(),
			ThreadStackTop: threadStack.Top(),
			StartEIP:       entry,
			Stack:          threadStack,
		},
	}
	t.contextual = &Contextual{Process: p, Thread: t, OS: pm.Sys}
	p.Threads = append(p.Threads, t)

	log.WithFields(log.Fields{
		"thread": t,
		"eip":    fmt.Sprintf("0x%08X", entry),
		"stack":  fmt.Sprintf("0x%08X", threadStack.Top()),
	}).Debug("[Registry] CreateThread")
	return t
}

func (pm *ProcessManager) allocStack() *Stack {
	s := NewStack(pm.nextStack, pm.stackWords)
	size := uint32(pm.stackWords) * WordSize
	// 栈之间空一页，和页对齐
	pm.nextStack += (size + 2*PageSize - 1) &^ (PageSize - 1)
	return s
}

// FindProcess 按 pid 找进程
func (pm *ProcessManager) FindProcess(pid int) *Process {
	for _, p := range pm.Processes {
		if p.Id == pid {
			return p
		}
	}
	return nil
}

// FindThread 按 pid、tid 找线程
func (pm *ProcessManager) FindThread(pid, tid int) (*Thread, error) {
	p := pm.FindProcess(pid)
	if p == nil {
		return nil, fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
	}
	t := p.FindThread(tid)
	if t == nil {
		return nil, fmt.Errorf("%w: %s tid %d", ErrNoSuchThread, p, tid)
	}
	return t, nil
}

// SetCurrent 直接设置当前线程，启动时用
func (pm *ProcessManager) SetCurrent(t *Thread) {
	if t == nil {
		pm.current, pm.currentThread = nil, nil
		return
	}
	pm.current, pm.currentThread = t.Owner, t
}

// CurrentProcess 当前进程
func (pm *ProcessManager) CurrentProcess() *Process { return pm.current }

// CurrentThread 当前线程
func (pm *ProcessManager) CurrentThread() *Thread { return pm.currentThread }

// CurrentThreadState 当前线程的硬件状态
func (pm *ProcessManager) CurrentThreadState() *ThreadState {
	if pm.currentThread == nil {
		return nil
	}
	return pm.currentThread.State
}

// SwitchProcess 切换当前线程。找不到目标时保持原样并记录错误。
func (pm *ProcessManager) SwitchProcess(processId, threadId int) {
	t, err := pm.FindThread(processId, threadId)
	if err != nil {
		log.WithError(err).Error("[Registry] SwitchProcess failed")
		return
	}
	if t != pm.currentThread {
		log.WithFields(log.Fields{
			"from": pm.currentThread,
			"to":   t,
		}).Trace("[Registry] SwitchProcess")
	}
	pm.SetCurrent(t)
}
