package sham

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Interrupt 是代表中断的对象
type Interrupt struct {
	Typ  string
	Data InterruptData
}

// InterruptData 是中断的数据
type InterruptData struct {
	// Pid, Tid 发起中断的线程；硬件中断为 -1
	Pid int
	Tid int
	// Args 参数，具体含义见各中断处理程序
	Args []uint32
}

func (d InterruptData) arg(i int) uint32 {
	if i < len(d.Args) {
		return d.Args[i]
	}
	return 0
}

// InterruptHandler 是「中断处理程序」
type InterruptHandler func(os *OS, data InterruptData)

// 所有支持的中断类型
const (
	ClockInterrupt     = "ClockInterrupt"
	PageFaultInterrupt = "PageFaultInterrupt"
	SleepInterrupt     = "SleepInterrupt"
	WakeInterrupt      = "WakeInterrupt"
	SuspendInterrupt   = "SuspendInterrupt"
	ResumeInterrupt    = "ResumeInterrupt"
)

// defaultInterrupts 中断类型与中断处理程序的映射。
// 缺页诊断默认不注册，见 Config.PageFaultDiagnostics。
func defaultInterrupts() map[string]InterruptHandler {
	return map[string]InterruptHandler{
		ClockInterrupt:   HandleClockInterrupt,
		SleepInterrupt:   HandleSleepInterrupt,
		WakeInterrupt:    HandleWakeInterrupt,
		SuspendInterrupt: HandleSuspendInterrupt,
		ResumeInterrupt:  HandleResumeInterrupt,
	}
}

// GetInterrupt 构造一个中断
func GetInterrupt(pid int, typ string, data InterruptData) Interrupt {
	data.Pid = pid
	return Interrupt{Typ: typ, Data: data}
}

// 下面是各种「中断处理程序」，即 InterruptHandler 的具体实现
// 这些「程序」打印的日志前面统一加 [INT] 标签

// HandleClockInterrupt 处理时钟中断：定时器走一格，到期的处理程序（调度器）被调用
func HandleClockInterrupt(os *OS, data InterruptData) {
	log.Trace("[INT] Handle ClockInterrupt")
	os.Timer.Tick()
}

// HandleSleepInterrupt 发起中断的线程睡 Args[0] 毫秒
func HandleSleepInterrupt(os *OS, data InterruptData) {
	t, err := os.Processes.FindThread(data.Pid, data.Tid)
	if err != nil {
		log.WithError(err).Error("[INT] Handle SleepInterrupt: no such thread")
		return
	}
	ms := int(data.arg(0))
	log.WithFields(log.Fields{"thread": t, "ms": ms}).Debug("[INT] Handle SleepInterrupt")
	os.Scheduler.Sleep(t, ms)
}

// targetThread 取 Args[0], Args[1] 指定的目标线程
func targetThread(os *OS, typ string, data InterruptData) *Thread {
	if len(data.Args) < 2 {
		log.WithField("args", data.Args).Errorf("[INT] Handle %s: want target pid, tid", typ)
		return nil
	}
	t, err := os.Processes.FindThread(int(data.Args[0]), int(data.Args[1]))
	if err != nil {
		log.WithError(err).Errorf("[INT] Handle %s: no such thread", typ)
		return nil
	}
	return t
}

// HandleWakeInterrupt 唤醒 Args[0]/Args[1] 指定的线程
func HandleWakeInterrupt(os *OS, data InterruptData) {
	if t := targetThread(os, WakeInterrupt, data); t != nil {
		log.WithField("target", t).Debug("[INT] Handle WakeInterrupt")
		os.Scheduler.Wake(t)
	}
}

// HandleSuspendInterrupt 挂起 Args[0]/Args[1] 指定的线程
func HandleSuspendInterrupt(os *OS, data InterruptData) {
	if t := targetThread(os, SuspendInterrupt, data); t != nil {
		log.WithField("target", t).Debug("[INT] Handle SuspendInterrupt")
		os.Scheduler.Suspend(t)
	}
}

// HandleResumeInterrupt 恢复 Args[0]/Args[1] 指定的线程
func HandleResumeInterrupt(os *OS, data InterruptData) {
	if t := targetThread(os, ResumeInterrupt, data); t != nil {
		log.WithField("target", t).Debug("[INT] Handle ResumeInterrupt")
		os.Scheduler.Resume(t)
	}
}

// HandlePageFaultInterrupt 缺页：Args 是 [eip, errorCode, address]，交给调度器打印诊断信息
func HandlePageFaultInterrupt(os *OS, data InterruptData) {
	log.WithFields(log.Fields{
		"pid":     data.Pid,
		"address": fmt.Sprintf("0x%08X", data.arg(2)),
	}).Info("[INT] Handle PageFaultInterrupt")
	os.Scheduler.HandlePageFault(data.arg(0), data.arg(1), data.arg(2))
}
