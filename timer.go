package sham

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// TimerHandler 时钟到期时调用的处理程序
type TimerHandler func(state interface{})

// Timer 是调度器眼中的时钟设备：按大约 periodNS 的间隔调用 handler
type Timer interface {
	// RegisterHandler 注册处理程序，返回它的 id。repeat 为 false 时只触发一次。
	RegisterHandler(handler TimerHandler, periodNS int64, repeat bool, state interface{}) int
	UnregisterHandler(id int)
}

type timerHandler struct {
	id          int
	handler     TimerHandler
	state       interface{}
	periodNS    int64
	remainingNS int64
	repeat      bool
}

// PIT 是模拟的可编程间隔定时器。
// 硬件每 Period 走一格（Tick），到期的处理程序在 Tick 里被调用。
// Run 用 clock.Clock 产生真实（或 mock）的时钟中断，交给 OS 的主循环去调用 Tick。
type PIT struct {
	clock    clock.Clock
	period   time.Duration
	handlers []*timerHandler
	nextID   int
}

// NewPIT 新建定时器。c 为 nil 时用真实时钟。
func NewPIT(c clock.Clock, period time.Duration) *PIT {
	if c == nil {
		c = clock.New()
	}
	if period <= 0 {
		period = time.Millisecond
	}
	return &PIT{clock: c, period: period}
}

// Period 硬件时钟的周期
func (p *PIT) Period() time.Duration { return p.period }

// RegisterHandler 实现 Timer
func (p *PIT) RegisterHandler(handler TimerHandler, periodNS int64, repeat bool, state interface{}) int {
	if periodNS <= 0 {
		periodNS = p.period.Nanoseconds()
	}
	p.nextID++
	p.handlers = append(p.handlers, &timerHandler{
		id:          p.nextID,
		handler:     handler,
		state:       state,
		periodNS:    periodNS,
		remainingNS: periodNS,
		repeat:      repeat,
	})
	log.WithFields(log.Fields{
		"id":       p.nextID,
		"periodNS": periodNS,
		"repeat":   repeat,
	}).Debug("[PIT] RegisterHandler")
	return p.nextID
}

// UnregisterHandler 实现 Timer
func (p *PIT) UnregisterHandler(id int) {
	for i, h := range p.handlers {
		if h.id == id {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return
		}
	}
}

// Tick 硬件时钟走一格，调用到期的处理程序。只在中断上下文里调用。
func (p *PIT) Tick() {
	elapsed := p.period.Nanoseconds()
	// 处理程序里可能注册/注销，先拷一份
	handlers := append([]*timerHandler(nil), p.handlers...)
	for _, h := range handlers {
		h.remainingNS -= elapsed
		if h.remainingNS > 0 {
			continue
		}
		if h.repeat {
			h.remainingNS += h.periodNS
			if h.remainingNS <= 0 {
				h.remainingNS = h.periodNS
			}
		} else {
			p.UnregisterHandler(h.id)
		}
		h.handler(h.state)
	}
}

// Run 每个 Period 往 irq 发一次时钟中断，直到 ctx 结束
func (p *PIT) Run(ctx context.Context, irq chan<- Interrupt) error {
	ticker := p.clock.Ticker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case irq <- GetInterrupt(-1, ClockInterrupt, InterruptData{}):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
