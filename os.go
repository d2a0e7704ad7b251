package sham

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OS 是模拟的「操作系统」，一个持有并管理 CPU、代码内存、进程表、时钟和控制台的东西。
// 单核，支持多道程序。
//
// 单核就是一个 goroutine：Boot 起来之后，所有状态只在主循环里读写。
// 时钟设备的 goroutine 只往 irq 里丢时钟中断；别的 goroutine 想做什么，用 Call 交给主循环。
// 不 Boot 的时候也可以用 Run 同步地跑若干个时钟周期（测试、命令行都是这么用的）。
type OS struct {
	CPU       *CPU
	Code      *CodeMemory
	Processes *ProcessManager
	Scheduler *Scheduler
	Timer     *PIT
	Console   *Console

	// Interrupts 待处理的中断
	Interrupts []Interrupt

	// OnSelect 额外的调度观察者，在选择记录之后调用，不能阻塞
	OnSelect func(Selection)

	vectors map[string]InterruptHandler
	config  Config
	idle    *Thread

	counts     map[ThreadKey]int
	selections uint64

	irq   chan Interrupt
	calls chan call
	done  chan struct{}
}

// ThreadKey 标识一个线程
type ThreadKey struct {
	Pid int
	Tid int
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%d/%d", k.Pid, k.Tid)
}

type call struct {
	fn   func(os *OS)
	done chan struct{}
}

// NewOS 构建一个「操作系统」。
// 新的操作系统有自己的 CPU、代码内存、进程表、调度器、定时器和控制台，
// 进程表里只有一个 idle 进程，它也是启动时 CPU 的当前线程。
// console 为 nil 时输出到 os.Stdout，clk 为 nil 时用真实时钟。
func NewOS(config Config, console io.Writer, clk clock.Clock) *OS {
	field := "[OS] "
	config = config.withDefaults()

	code := NewCodeMemory()
	pm := NewProcessManager(code, config.StackWords)

	os := &OS{
		CPU:       NewCPU(pm, code),
		Code:      code,
		Processes: pm,
		Scheduler: NewScheduler(pm, config.Scheduler),
		Timer:     NewPIT(clk, time.Duration(config.PITPeriodMS)*time.Millisecond),
		Console:   NewConsole(console),

		vectors: defaultInterrupts(),
		config:  config,
		counts:  map[ThreadKey]int{},
		irq:     make(chan Interrupt, 1),
		calls:   make(chan call),
		done:    make(chan struct{}),
	}
	pm.Sys = os
	os.Scheduler.Console = os.Console
	os.Scheduler.OnSelect = os.recordSelection

	if config.PageFaultDiagnostics {
		os.RegisterInterrupt(PageFaultInterrupt, HandlePageFaultInterrupt)
	}

	idle := pm.CreateProcess("idle", false)
	os.idle = pm.CreateThread(idle, idleRunnable)
	os.Scheduler.InitProcess(idle, Low)
	pm.SetCurrent(os.idle)

	os.Scheduler.Init(os.Timer, code)

	log.WithFields(log.Fields{
		"timerPeriodMS":  config.Scheduler.TimerPeriodMS,
		"updatePeriodMS": config.Scheduler.UpdatePeriodMS,
		"pitPeriodMS":    config.PITPeriodMS,
	}).Info(field, "OS created")
	return os
}

// Config 操作系统使用的配置（已补全默认值）
func (os *OS) Config() Config { return os.config }

// Idle 空闲线程
func (os *OS) Idle() *Thread { return os.idle }

// RegisterInterrupt 注册（或替换）一个中断处理程序
func (os *OS) RegisterInterrupt(typ string, handler InterruptHandler) {
	os.vectors[typ] = handler
}

// CreateProcess 创建一个进程，每个 runnable 一个线程，以 priority 交给调度器。
// Boot 之后只能在主循环里调用（通过 Call）。
func (os *OS) CreateProcess(name string, userMode bool, priority Priority, runnables ...Runnable) *Process {
	p := os.Processes.CreateProcess(name, userMode)
	for _, r := range runnables {
		os.Processes.CreateThread(p, r)
	}
	os.Scheduler.InitProcess(p, priority)
	return p
}

// LoadScenario 按配置创建所有进程
func (os *OS) LoadScenario(processes []ProcessConfig) error {
	for _, pc := range processes {
		runnables := make([]Runnable, 0, len(pc.Threads))
		for i, tc := range pc.Threads {
			r, err := tc.Runnable()
			if err != nil {
				return fmt.Errorf("process %q thread %d: %w", pc.Name, i, err)
			}
			runnables = append(runnables, r)
		}
		os.CreateProcess(pc.Name, pc.UserMode, pc.Priority, runnables...)
	}
	return nil
}

/********* 👇 主循环 👇 ***************/

// Boot 启动操作系统：定时器开始产生时钟中断，主循环开始处理它们。
// ctx 结束就是关机，此时返回 nil；其他错误原样返回。
func (os *OS) Boot(ctx context.Context) error {
	field := "[OS] "
	log.Info(field, "OS Boot: start timer and core loop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return os.Timer.Run(ctx, os.irq)
	})
	g.Go(func() error {
		return os.loop(ctx)
	})

	err := g.Wait()
	log.WithField("clock", os.CPU.Clock).Info(field, "Shutdown OS.")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (os *OS) loop(ctx context.Context) error {
	defer close(os.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case i := <-os.irq:
			os.clockTick(i)
		case c := <-os.calls:
			c.fn(os)
			close(c.done)
		}
	}
}

// Call 让主循环执行 fn，等它执行完。
// 主循环已经退出时返回 ErrOSHalted。
func (os *OS) Call(ctx context.Context, fn func(os *OS)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case os.calls <- c:
	case <-os.done:
		return ErrOSHalted
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 不用真实时钟，同步地跑 ticks 个硬件时钟周期。不能和 Boot 同时用。
func (os *OS) Run(ticks int) {
	for i := 0; i < ticks; i++ {
		os.clockTick(GetInterrupt(-1, ClockInterrupt, InterruptData{Tid: -1}))
	}
}

// clockTick 一个硬件时钟周期：
// 先处理时钟中断（调度器可能在这里换线程），CPU 再跑当前线程一步，最后处理这一步发起的系统调用。
func (os *OS) clockTick(irq Interrupt) {
	os.Interrupts = append(os.Interrupts, irq)
	os.HandleInterrupts()
	os.CPU.Step()
	os.HandleInterrupts()
}

// HandleInterrupts 处理中断队列中的中断
func (os *OS) HandleInterrupts() {
	var i Interrupt
	for len(os.Interrupts) > 0 {
		i, os.Interrupts = os.Interrupts[0], os.Interrupts[1:]

		handler, ok := os.vectors[i.Typ]
		if !ok {
			log.WithFields(log.Fields{
				"type": i.Typ,
				"data": i.Data,
			}).Warn("[OS] unhandled interrupt")
			continue
		}
		if i.Typ != ClockInterrupt {
			log.WithFields(log.Fields{
				"type": i.Typ,
				"data": i.Data,
			}).Debug("[OS] Handle Interrupt")
		}
		handler(os, i.Data)
	}
}

// Shutdown 关掉设备，等控制台写完
func (os *OS) Shutdown() {
	os.Console.Close()
}

/********* 👆 主循环 👆 ***************/

/********* 👇 调度记录 👇 ***************/

func (os *OS) recordSelection(s Selection) {
	os.counts[ThreadKey{Pid: s.Pid, Tid: s.Tid}]++
	os.selections++
	if os.OnSelect != nil {
		os.OnSelect(s)
	}
}

// SelectionCounts 每个线程被调度器选中的次数
func (os *OS) SelectionCounts() map[ThreadKey]int {
	counts := make(map[ThreadKey]int, len(os.counts))
	for k, v := range os.counts {
		counts[k] = v
	}
	return counts
}

// Selections 调度器一共做了几次选择
func (os *OS) Selections() uint64 { return os.selections }

// ThreadCount 一条按 pid、tid 排好序的统计
type ThreadCount struct {
	ThreadKey
	Process  string
	Priority Priority
	State    ActiveState
	Count    int
}

// Summary 所有线程（包括从没被选中过的）的统计，按 pid、tid 排序
func (os *OS) Summary() []ThreadCount {
	var summary []ThreadCount
	for _, p := range os.Processes.Processes {
		for _, t := range p.Threads {
			key := ThreadKey{Pid: p.Id, Tid: t.Id}
			summary = append(summary, ThreadCount{
				ThreadKey: key,
				Process:   p.Name,
				Priority:  p.Priority,
				State:     t.ActiveState,
				Count:     os.counts[key],
			})
		}
	}
	sort.Slice(summary, func(i, j int) bool {
		if summary[i].Pid != summary[j].Pid {
			return summary[i].Pid < summary[j].Pid
		}
		return summary[i].Tid < summary[j].Tid
	})
	return summary
}

/********* 👆 调度记录 👆 ***************/

/********* 👇 SYSTEM CALLS 👇 ***************/

// OSInterface 是操作系统暴露给线程的「系统调用」接口
type OSInterface interface {
	// InterruptRequest 发起一个软中断，当前这一步结束后处理
	InterruptRequest(thread *Thread, typ string, args ...uint32)
}

// InterruptRequest 发出中断请求
func (os *OS) InterruptRequest(thread *Thread, typ string, args ...uint32) {
	log.WithFields(log.Fields{
		"thread": thread,
		"type":   typ,
		"args":   args,
	}).Debug("[OS] InterruptRequest")
	data := InterruptData{Tid: thread.Id, Args: args}
	os.Interrupts = append(os.Interrupts, GetInterrupt(thread.Owner.Id, typ, data))
}

// Sleep 系统调用：当前线程睡 ms 毫秒
func (c *Contextual) Sleep(ms int) {
	if c.OS == nil {
		return
	}
	// 参数按 uint32 传递，负数先截到 0
	if ms < 0 {
		ms = 0
	}
	c.OS.InterruptRequest(c.Thread, SleepInterrupt, uint32(ms))
}

// Wake 系统调用：唤醒 pid/tid
func (c *Contextual) Wake(pid, tid int) {
	if c.OS == nil {
		return
	}
	c.OS.InterruptRequest(c.Thread, WakeInterrupt, uint32(pid), uint32(tid))
}

// PageFault 模拟在 address 处缺页
func (c *Contextual) PageFault(address uint32) {
	if c.OS == nil {
		return
	}
	var eip uint32
	if c.Thread != nil && c.Thread.State != nil && c.Thread.State.Context != nil {
		eip = c.Thread.State.Context.EIP
	}
	c.OS.InterruptRequest(c.Thread, PageFaultInterrupt, eip, 0, address)
}

/********* 👆 SYSTEM CALLS 👆 ***************/
