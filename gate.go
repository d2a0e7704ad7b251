package sham

import "sync/atomic"

// Gate 是调度器的开关：关着的时候时钟中断里的调度什么都不做。
// 所有改动运行队列的地方都要先关上它，改完再恢复。
type Gate struct {
	enabled atomic.Bool
}

// Enable 打开调度
func (g *Gate) Enable() { g.enabled.Store(true) }

// Disable 关闭调度
func (g *Gate) Disable() { g.enabled.Store(false) }

// Enabled 调度是否打开
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// Enter 进入临界区：记下闸门原来是否打开，然后关上。
// 必须配对调用返回值的 Leave，一般直接 defer。
//
//	cs := gate.Enter()
//	defer cs.Leave()
func (g *Gate) Enter() CriticalSection {
	cs := CriticalSection{gate: g, reenable: g.Enabled()}
	if cs.reenable {
		g.Disable()
	}
	return cs
}

// CriticalSection 是 Gate.Enter 返回的守卫
type CriticalSection struct {
	gate     *Gate
	reenable bool
}

// Leave 离开临界区：只有进入前是打开的才重新打开，嵌套时不会提前打开。
func (cs CriticalSection) Leave() {
	if cs.reenable {
		cs.gate.Enable()
	}
}
