package sham

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// CPU 处理器：是一个模拟的「CPU」，单核。
// 它不自己决定跑谁：Registry 的当前线程就是它正在跑的线程。
// 每个时钟周期执行当前线程的一「步」（调用一次它的 Runnable）。
type CPU struct {
	Id string

	registry Registry
	code     *CodeMemory

	// Clock 执行过的周期数（包括空转）
	Clock uint
	// Idle 空转的周期数：没有线程，或者当前线程已经不可运行、在等下一次调度
	Idle uint
}

// NewCPU 新建 CPU
func NewCPU(registry Registry, code *CodeMemory) *CPU {
	return &CPU{Id: "cpu0", registry: registry, code: code}
}

// Step 执行当前线程的一步。
//
// 线程第一次跑的时候，从调度器构造好的启动帧做一次中断返回，得到它的寄存器；
// 入口函数返回（StatusDone）时，从栈上的终止帧做远返回，下一步就会进入线程终止例程。
// 已经睡眠、挂起或结束的线程不会再执行，直到调度器把 CPU 换给别人。
func (c *CPU) Step() {
	c.Clock++

	t := c.registry.CurrentThread()
	state := c.registry.CurrentThreadState()
	if t == nil || state == nil || !state.Started || t.ActiveState != Active {
		c.Idle++
		return
	}

	if state.Context == nil {
		ctx, err := InterruptReturn(state.Stack, state.ESP)
		if err != nil {
			log.WithError(err).WithField("thread", t).Error("[CPU] iret to new thread failed")
			c.Idle++
			return
		}
		state.Context = ctx
		log.WithFields(log.Fields{
			"thread": t,
			"eip":    fmt.Sprintf("0x%08X", ctx.EIP),
			"cpl":    ctx.PrivilegeLevel(),
		}).Debug("[CPU] thread started")
	}
	ctx := state.Context

	runnable, err := c.code.Lookup(ctx.EIP)
	if err != nil {
		log.WithError(err).WithField("thread", t).Error("[CPU] bad instruction pointer")
		c.Idle++
		return
	}

	if t.contextual == nil {
		t.contextual = &Contextual{Process: t.Owner, Thread: t}
	}
	ret := runnable(t.contextual)
	t.contextual.Commit()

	if ret == StatusDone {
		if err := FarReturn(state.Stack, ctx); err != nil {
			log.WithError(err).WithField("thread", t).Error("[CPU] return from thread entry failed")
			return
		}
		log.WithFields(log.Fields{
			"thread": t,
			"eip":    fmt.Sprintf("0x%08X", ctx.EIP),
		}).Debug("[CPU] thread entry returned")
	}
}
