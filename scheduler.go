package sham

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Scheduler 是单核的线程调度器。
//
// 三个容器：Active Queue（可运行，Key 是剩余时间片）、
// Inactive Queue（睡眠/阻塞，Key 是剩余睡眠量）、Suspended Set（挂起，不衰减）。
// 时钟中断周期性地调用 OnTimerInterrupt：整理两个队列，选出 Active Queue 里 Key 最小的线程，
// 让 Registry 切换过去；第一次运行的线程先构造启动帧。
//
// 嵌入的 Gate 是唯一的互斥手段：改动队列的入口都会先关上它，关着的时候 tick 什么都不做。
// 调度器不是并发安全的，只能在 OS 的主循环里使用。
type Scheduler struct {
	Gate

	ActiveQueue   *PriorityQueue[*Thread]
	InactiveQueue *PriorityQueue[*Thread]
	SuspendedSet  *SuspendedSet[*Thread]

	// Console 诊断输出，可以为 nil
	Console *Console
	// OnSelect 每次选中线程后调用，在中断里执行，不能阻塞
	OnSelect func(Selection)
	// Ticks UpdateCurrentState 实际运行的次数
	Ticks uint64

	registry     Registry
	config       SchedulerConfig
	countdown    int
	terminateEIP uint32
}

// Selection 一次调度的结果
type Selection struct {
	Tick    uint64
	Pid     int
	Tid     int
	Process string
}

// NewScheduler 新建调度器。闸门默认关着，Init 之后才开始调度。
func NewScheduler(registry Registry, config SchedulerConfig) *Scheduler {
	config = config.withDefaults()
	return &Scheduler{
		ActiveQueue:   NewPriorityQueue[*Thread]("Active Queue", config.QueueCapacity),
		InactiveQueue: NewPriorityQueue[*Thread]("Inactive Queue", config.QueueCapacity),
		SuspendedSet:  NewSuspendedSet[*Thread](config.QueueCapacity),
		registry:      registry,
		config:        config,
		countdown:     config.UpdatePeriodMS,
	}
}

// Config 调度器当前使用的配置
func (s *Scheduler) Config() SchedulerConfig { return s.config }

// Init 装入线程终止例程，向时钟注册中断处理，然后打开闸门。
// timer、code 可以为 nil（测试里直接调 OnTimerInterrupt）。
func (s *Scheduler) Init(timer Timer, code *CodeMemory) {
	field := "[Scheduler] "

	log.Debug(field, "Init: disabling scheduler")
	s.Disable()

	if code != nil {
		s.terminateEIP = code.Load(s.threadTerminated)
		log.WithField("eip", fmt.Sprintf("0x%08X", s.terminateEIP)).Debug(field, "Init: terminate routine loaded")
	}

	if timer != nil {
		period := int64(s.config.TimerPeriodMS) * 1000000 // ms -> ns
		timer.RegisterHandler(s.OnTimerInterrupt, period, true, nil)
		log.WithField("periodMS", s.config.TimerPeriodMS).Debug(field, "Init: timer handler registered")
	}

	s.countdown = s.config.UpdatePeriodMS

	log.Info(field, "Init: enabling scheduler")
	s.Enable()
}

/********* 👇 注册 👇 ***************/

// InitProcess 把进程的所有线程交给调度器，时间片由 priority 决定
func (s *Scheduler) InitProcess(p *Process, priority Priority) {
	p.Priority = priority

	cs := s.Enter()
	defer cs.Leave()

	for _, t := range p.Threads {
		s.InitThread(p, t)
	}
	p.Registered = true

	log.WithFields(log.Fields{
		"process":  p,
		"priority": priority,
		"threads":  len(p.Threads),
	}).Info("[Scheduler] InitProcess")
}

// InitThread 登记单个线程：装满时间片，放进它的状态对应的队列
func (s *Scheduler) InitThread(p *Process, t *Thread) {
	t.TimeToRunReload = int(p.Priority)
	t.TimeToRun = t.TimeToRunReload

	s.UpdateList(t)
}

/********* 👆 注册 👆 ***************/

/********* 👇 队列放置 👇 ***************/

// UpdateList 线程的 ActiveState 改变之后调用：
// 从 LastActiveState 对应的容器里拿出来，放进 ActiveState 对应的容器。
// 这是改动队列成员的唯一入口。
func (s *Scheduler) UpdateList(t *Thread) {
	s.updateList(t, false)
}

func (s *Scheduler) updateList(t *Thread, skipRemove bool) {
	cs := s.Enter()
	defer cs.Leave()

	if !skipRemove {
		switch t.LastActiveState {
		case NotStarted, Active:
			s.ActiveQueue.Delete(t)
		case Inactive:
			s.InactiveQueue.Delete(t)
		case Suspended:
			s.SuspendedSet.Remove(t)
		}
	}

	switch t.ActiveState {
	case NotStarted, Active:
		t.keyed = keyRun
		s.ActiveQueue.Insert(t)
	case Inactive:
		t.keyed = keySleep
		s.InactiveQueue.Insert(t)
	case Suspended:
		s.SuspendedSet.Add(t)
	case Terminated:
	}
	t.LastActiveState = t.ActiveState

	log.WithFields(log.Fields{
		"thread":     t,
		"state":      t.ActiveState,
		"skipRemove": skipRemove,
	}).Trace("[Scheduler] UpdateList")
}

/********* 👆 队列放置 👆 ***************/

/********* 👇 线程状态转换 👇 ***************/

// Sleep 让线程睡 ms 毫秒：Active -> Inactive，立即换队列。
// 线程不是可运行状态时返回 false。
func (s *Scheduler) Sleep(t *Thread, ms int) bool {
	cs := s.Enter()
	defer cs.Leave()

	if t.ActiveState != Active && t.ActiveState != NotStarted {
		return false
	}
	if ms < 0 {
		ms = 0
	}
	t.TimeToSleep = ms
	t.ActiveState = Inactive
	s.updateList(t, false)

	log.WithFields(log.Fields{"thread": t, "ms": ms}).Debug("[Scheduler] Sleep")
	return true
}

// Wake 唤醒一个睡眠中的线程。
// 这里只把状态改成 Active，并把它挪到 Inactive Queue 最前面；
// 下一次 tick 的 inactive 扫描会发现它，把它放回 Active Queue。
func (s *Scheduler) Wake(t *Thread) bool {
	cs := s.Enter()
	defer cs.Leave()

	if t.ActiveState != Inactive {
		return false
	}
	t.ActiveState = Active
	if t.LastActiveState == Inactive {
		s.InactiveQueue.MoveToFront(t, 0)
	}

	log.WithField("thread", t).Debug("[Scheduler] Wake")
	return true
}

// Suspend 挂起线程（比如调试器暂停它）：不再参与调度，也不衰减
func (s *Scheduler) Suspend(t *Thread) bool {
	cs := s.Enter()
	defer cs.Leave()

	if t.ActiveState == Suspended || t.ActiveState == Terminated {
		return false
	}
	t.resumeTo = t.ActiveState
	t.ActiveState = Suspended
	s.updateList(t, false)

	log.WithField("thread", t).Debug("[Scheduler] Suspend")
	return true
}

// Resume 恢复挂起的线程，回到挂起前的状态
func (s *Scheduler) Resume(t *Thread) bool {
	cs := s.Enter()
	defer cs.Leave()

	if t.ActiveState != Suspended {
		return false
	}
	t.ActiveState = t.resumeTo
	s.updateList(t, false)

	log.WithFields(log.Fields{"thread": t, "state": t.ActiveState}).Debug("[Scheduler] Resume")
	return true
}

// Terminate 线程结束自己：标记 Terminated，从所在容器里拿掉，不再放回任何队列。
// 线程的回收是 ProcessManager 以后的事。
func (s *Scheduler) Terminate(t *Thread) {
	cs := s.Enter()
	defer cs.Leave()

	if t.ActiveState == Terminated {
		return
	}
	if t.State != nil {
		t.State.Terminated = true
	}
	t.ActiveState = Terminated
	s.updateList(t, false)

	log.WithField("thread", t).Info("[Scheduler] Terminate")
}

// threadTerminated 是线程入口函数返回后落到的代码（启动帧里的终止帧指向这里）。
// 第一次执行时标记线程结束，之后什么都不做，等下一次 tick 把它换下去。
func (s *Scheduler) threadTerminated(contextual *Contextual) int {
	t := contextual.Thread
	if t != nil && t.ActiveState != Terminated {
		s.Console.WriteLine("Thread terminated.")
		s.Console.Printf("Process Name: %s, Thread Id: %d", t.Owner.Name, t.Id)
		s.Terminate(t)
	}
	return StatusRunning
}

/********* 👆 线程状态转换 👆 ***************/

/********* 👇 时钟中断 👇 ***************/

// OnTimerInterrupt 是注册给时钟的中断处理程序。
// 闸门关着就直接返回；每过一个更新周期做一次调度。
func (s *Scheduler) OnTimerInterrupt(state interface{}) {
	if !s.Enabled() {
		return
	}

	s.countdown -= s.config.TimerPeriodMS
	if s.countdown <= 0 {
		s.countdown = s.config.UpdatePeriodMS
		s.UpdateCurrentState()
	}
}

// UpdateCurrentState 完成一次调度：整理队列，选出下一个线程并切换过去
func (s *Scheduler) UpdateCurrentState() {
	field := "[Scheduler] "

	if s.registry.CurrentProcess() == nil ||
		s.registry.CurrentThread() == nil ||
		s.registry.CurrentThreadState() == nil {
		log.Trace(field, "no current thread, scheduler not armed")
		return
	}
	s.Ticks++

	s.updateInactiveThreads()
	s.updateActiveThreads()

	for retries := 0; s.ActiveQueue.Len() == 0; retries++ {
		if s.InactiveQueue.Len() == 0 || retries >= s.config.MaxStarvationRetries {
			log.WithFields(log.Fields{
				"tick":     s.Ticks,
				"inactive": s.InactiveQueue.Len(),
				"retries":  retries,
			}).Error(field, "no runnable thread")
			return
		}
		if retries == 0 {
			log.WithField("tick", s.Ticks).Warn(field, "preventing infinite loop by early-updating sleeping threads")
		}
		s.updateInactiveThreads()
	}

	next, _ := s.ActiveQueue.PeekMin()
	s.registry.SwitchProcess(next.Owner.Id, next.Id)

	if state := s.registry.CurrentThreadState(); state != nil && !state.Started {
		s.setupThreadForStart()
	}
	if next.ActiveState == NotStarted {
		next.ActiveState = Active
		next.LastActiveState = Active
	}

	log.WithFields(log.Fields{
		"tick":   s.Ticks,
		"thread": next,
		"key":    next.Key(),
	}).Trace(field, "selected")

	if s.OnSelect != nil {
		s.OnSelect(Selection{
			Tick:    s.Ticks,
			Pid:     next.Owner.Id,
			Tid:     next.Id,
			Process: next.Owner.Name,
		})
	}
}

// updateInactiveThreads 衰减所有睡眠量，然后把队首那些状态已经不是 Inactive 的线程
// 放回它们现在该去的地方。
func (s *Scheduler) updateInactiveThreads() {
	s.InactiveQueue.DecreaseAllKeys(s.config.UpdatePeriodMS, 0)

	for {
		t, ok := s.InactiveQueue.PeekMin()
		if !ok {
			return
		}
		if t.ActiveState == Inactive {
			if !s.config.WakeOnSleepExpiry || t.TimeToSleep > 0 {
				return
			}
			t.ActiveState = Active
			log.WithField("thread", t).Trace("[Scheduler] sleep expired")
		}
		s.InactiveQueue.ExtractMin()
		s.updateList(t, true)
	}
}

// updateActiveThreads 时间片用完的队首线程重新装满放到后面，然后所有时间片减一
func (s *Scheduler) updateActiveThreads() {
	if t, ok := s.ActiveQueue.PeekMin(); ok && t.Key() == 0 {
		s.ActiveQueue.ExtractMin()
		t.TimeToRun = t.TimeToRunReload
		s.ActiveQueue.Insert(t)
	}

	s.ActiveQueue.DecreaseAllKeys(1, 0)
}

// setupThreadForStart 为当前线程构造启动帧，并标记为已启动
func (s *Scheduler) setupThreadForStart() {
	t := s.registry.CurrentThread()
	p := s.registry.CurrentProcess()
	state := s.registry.CurrentThreadState()

	state.Started = true
	state.Terminated = false

	if err := BuildStartFrame(state, p.UserMode, s.terminateEIP); err != nil {
		panic(fmt.Errorf("setup thread %s for start: %w", t, err))
	}

	log.WithFields(log.Fields{
		"thread":   t,
		"userMode": p.UserMode,
		"esp":      fmt.Sprintf("0x%08X", state.ESP),
	}).Debug("[Scheduler] thread set up for start")
}

/********* 👆 时钟中断 👆 ***************/

// HandlePageFault 缺页诊断：把当前进程映射的代码页、数据页打到控制台。
// 只是诊断，不做任何恢复。
func (s *Scheduler) HandlePageFault(eip, errorCode, address uint32) {
	p := s.registry.CurrentProcess()
	t := s.registry.CurrentThread()

	log.WithFields(log.Fields{
		"thread":  t,
		"eip":     fmt.Sprintf("0x%08X", eip),
		"error":   fmt.Sprintf("0x%X", errorCode),
		"address": fmt.Sprintf("0x%08X", address),
	}).Error("[Scheduler] page fault")

	if p == nil || p.Memory == nil {
		return
	}
	code, data := p.Memory.CodeAddresses(), p.Memory.DataAddresses()
	lines := make([]string, 0, len(code)+len(data)+3)
	lines = append(lines, fmt.Sprintf("Page fault at 0x%08X (eip 0x%08X, error 0x%X) in %s", address, eip, errorCode, t))
	lines = append(lines, "Code pages:")
	for _, vaddr := range code {
		lines = append(lines, fmt.Sprintf("0x%08X", vaddr))
	}
	lines = append(lines, "Data pages:")
	for _, vaddr := range data {
		lines = append(lines, fmt.Sprintf("0x%08X", vaddr))
	}
	s.Console.WriteLines(lines...)
}
