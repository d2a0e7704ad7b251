package sham

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(config SchedulerConfig) (*Scheduler, *ProcessManager) {
	pm := NewProcessManager(nil, 64)
	s := NewScheduler(pm, config)
	s.Init(nil, pm.Code)
	return s, pm
}

func spawn(s *Scheduler, pm *ProcessManager, name string, priority Priority, threads int) *Process {
	p := pm.CreateProcess(name, false)
	for i := 0; i < threads; i++ {
		pm.CreateThread(p, idleRunnable)
	}
	s.InitProcess(p, priority)
	return p
}

// assertPlacement 线程恰好在 ActiveState 对应的那一个容器里
func assertPlacement(t *testing.T, s *Scheduler, th *Thread) {
	t.Helper()
	inActive := s.ActiveQueue.Contains(th)
	inInactive := s.InactiveQueue.Contains(th)
	inSuspended := s.SuspendedSet.Contains(th)

	switch th.ActiveState {
	case NotStarted, Active:
		assert.True(t, inActive && !inInactive && !inSuspended, "%s (%s) should be only in Active Queue", th, th.ActiveState)
	case Inactive:
		assert.True(t, !inActive && inInactive && !inSuspended, "%s (%s) should be only in Inactive Queue", th, th.ActiveState)
	case Suspended:
		assert.True(t, !inActive && !inInactive && inSuspended, "%s (%s) should be only in Suspended Set", th, th.ActiveState)
	case Terminated:
		assert.True(t, !inActive && !inInactive && !inSuspended, "%s (%s) should be in no container", th, th.ActiveState)
	}
	assert.Equal(t, th.ActiveState, th.LastActiveState, "%s LastActiveState must name its container", th)
}

func TestSchedulerInitProcess(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", High, 2)

	assert.True(t, p.Registered)
	assert.Equal(t, High, p.Priority)
	assert.Equal(t, 2, s.ActiveQueue.Len())
	for _, th := range p.Threads {
		assert.Equal(t, int(High), th.TimeToRun)
		assert.Equal(t, int(High), th.TimeToRunReload)
		assert.Equal(t, NotStarted, th.ActiveState)
		assertPlacement(t, s, th)
	}
	assert.True(t, s.Enabled(), "InitProcess restores the gate")
}

func TestSchedulerNoCurrentThreadIsNoop(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)

	s.UpdateCurrentState()

	assert.Equal(t, uint64(0), s.Ticks)
	assert.Equal(t, int(Normal), p.Threads[0].TimeToRun, "keys untouched")
	assert.Nil(t, pm.CurrentThread())
}

func TestSchedulerGateClosedIsNoop(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)
	pm.SetCurrent(p.Threads[0])

	s.Disable()
	for i := 0; i < 30; i++ {
		s.OnTimerInterrupt(nil)
	}
	assert.Equal(t, uint64(0), s.Ticks)
	assert.False(t, p.Threads[0].State.Started)

	s.Enable()
	for i := 0; i < 3; i++ {
		s.OnTimerInterrupt(nil)
	}
	assert.Equal(t, uint64(1), s.Ticks)
}

func TestSchedulerUpdatePeriodCountdown(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{TimerPeriodMS: 5, UpdatePeriodMS: 15})
	p := spawn(s, pm, "foo", Normal, 1)
	pm.SetCurrent(p.Threads[0])

	s.OnTimerInterrupt(nil)
	s.OnTimerInterrupt(nil)
	assert.Equal(t, uint64(0), s.Ticks)
	s.OnTimerInterrupt(nil)
	assert.Equal(t, uint64(1), s.Ticks)

	for i := 0; i < 30; i++ {
		s.OnTimerInterrupt(nil)
	}
	assert.Equal(t, uint64(11), s.Ticks)
}

func TestSchedulerFirstDispatchBuildsFrame(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)
	th := p.Threads[0]
	pm.SetCurrent(th)

	s.UpdateCurrentState()

	assert.Equal(t, th, pm.CurrentThread())
	assert.Equal(t, Active, th.ActiveState)
	assert.True(t, th.State.Started)
	assert.False(t, th.State.Terminated)
	assertPlacement(t, s, th)

	ctx, err := InterruptReturn(th.State.Stack, th.State.ESP)
	require.NoError(t, err)
	assert.Equal(t, th.State.StartEIP, ctx.EIP)
	assert.Equal(t, KernelCodeSelector, ctx.CS)
}

func TestSchedulerQuantumReset(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)
	th := p.Threads[0]
	pm.SetCurrent(th)

	for i := 1; i <= int(Normal); i++ {
		s.UpdateCurrentState()
		assert.Equal(t, int(Normal)-i, th.TimeToRun)
	}
	assert.Equal(t, 0, th.TimeToRun)

	// 时间片用完：装满后再减一
	s.UpdateCurrentState()
	assert.Equal(t, th.TimeToRunReload-1, th.TimeToRun)
}

func TestSchedulerPriorityFrequency(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	high := spawn(s, pm, "high", High, 1)
	low := spawn(s, pm, "low", Low, 1)
	pm.SetCurrent(high.Threads[0])

	counts := map[string]int{}
	lowSelected := false
	s.OnSelect = func(sel Selection) {
		counts[sel.Process]++
		if pm.CurrentThread() == low.Threads[0] {
			lowSelected = true
		}
	}

	for i := 0; i < 1500; i++ {
		s.UpdateCurrentState()
	}

	assert.Equal(t, 1500, counts["high"]+counts["low"])
	assert.True(t, lowSelected, "low priority thread must not starve")
	require.Greater(t, counts["low"], 0)
	// 选中次数之比约等于时间片之比 15:5
	ratio := float64(counts["high"]) / float64(counts["low"])
	assert.InDelta(t, 3.0, ratio, 0.5, "high=%d low=%d", counts["high"], counts["low"])
}

func TestSchedulerSleepAndWake(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 3)
	a, b, c := p.Threads[0], p.Threads[1], p.Threads[2]
	pm.SetCurrent(c)

	require.True(t, s.Sleep(a, 1000))
	require.True(t, s.Sleep(b, 10))
	assert.Equal(t, 1000, a.TimeToSleep)
	assert.Equal(t, 1000, a.Key())
	assertPlacement(t, s, a)
	assertPlacement(t, s, b)

	assert.False(t, s.Sleep(a, 5), "already asleep")

	require.True(t, s.Wake(a))
	assert.Equal(t, Active, a.ActiveState)
	assert.True(t, s.InactiveQueue.Contains(a), "migration waits for the next tick")
	assert.False(t, s.Wake(a))

	s.UpdateCurrentState()

	assertPlacement(t, s, a)
	assertPlacement(t, s, b)
	assert.Equal(t, 0, b.TimeToSleep, "sleep amount decays by the update period")
	assert.Equal(t, Inactive, b.ActiveState, "expired sleep does not wake by default")
}

func TestSchedulerStaleInactiveMinMigrates(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 2)
	sleeper, other := p.Threads[0], p.Threads[1]
	pm.SetCurrent(other)

	require.True(t, s.Sleep(sleeper, 500))
	// 绕过 Wake 直接改状态：下一次扫描也要发现它
	require.NoError(t, sleeper.SetActiveState(Active))
	s.InactiveQueue.MoveToFront(sleeper, 0)

	s.UpdateCurrentState()
	assertPlacement(t, s, sleeper)
	assert.Equal(t, 0, s.InactiveQueue.Len())
}

func TestSchedulerStarvationGuardTerminates(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{MaxStarvationRetries: 8})
	p := spawn(s, pm, "foo", Normal, 2)
	pm.SetCurrent(p.Threads[0])
	for _, th := range p.Threads {
		require.True(t, s.Sleep(th, 1000))
	}

	selected := 0
	s.OnSelect = func(Selection) { selected++ }

	assert.NotPanics(t, s.UpdateCurrentState)
	assert.Equal(t, uint64(1), s.Ticks)
	assert.Equal(t, 0, selected)
	assert.Equal(t, p.Threads[0], pm.CurrentThread(), "nothing to switch to")
}

func TestSchedulerStarvationGuardWakesOnExpiry(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{WakeOnSleepExpiry: true})
	p := spawn(s, pm, "foo", Normal, 1)
	th := p.Threads[0]
	pm.SetCurrent(th)
	require.True(t, s.Sleep(th, 100))

	s.UpdateCurrentState()

	assert.Equal(t, Active, th.ActiveState)
	assertPlacement(t, s, th)
	assert.True(t, th.State.Started)
}

func TestSchedulerWakeOnSleepExpiry(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{WakeOnSleepExpiry: true})
	p := spawn(s, pm, "foo", Normal, 2)
	sleeper, other := p.Threads[0], p.Threads[1]
	pm.SetCurrent(other)
	require.True(t, s.Sleep(sleeper, 30))

	s.UpdateCurrentState()
	assert.Equal(t, Inactive, sleeper.ActiveState)
	assert.Equal(t, 15, sleeper.TimeToSleep)

	s.UpdateCurrentState()
	assert.Equal(t, Active, sleeper.ActiveState)
	assertPlacement(t, s, sleeper)
}

func TestSchedulerSuspendResume(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 2)
	a, b := p.Threads[0], p.Threads[1]
	pm.SetCurrent(b)

	selected := map[int]int{}
	s.OnSelect = func(sel Selection) { selected[sel.Tid]++ }

	require.True(t, s.Suspend(a))
	assert.False(t, s.Suspend(a))
	assertPlacement(t, s, a)

	for i := 0; i < 20; i++ {
		s.UpdateCurrentState()
	}
	assert.Zero(t, selected[a.Id], "suspended threads are never selected")

	require.True(t, s.Resume(a))
	assert.False(t, s.Resume(a))
	assert.Equal(t, NotStarted, a.ActiveState, "resume restores the state held before suspension")
	assertPlacement(t, s, a)

	// 睡眠中的线程挂起再恢复，回到 Inactive Queue
	require.True(t, s.Sleep(b, 100))
	require.True(t, s.Suspend(b))
	assertPlacement(t, s, b)
	sleep := b.TimeToSleep
	for i := 0; i < 5; i++ {
		s.UpdateCurrentState()
	}
	assert.Equal(t, sleep, b.TimeToSleep, "suspended threads do not decay")
	require.True(t, s.Resume(b))
	assert.Equal(t, Inactive, b.ActiveState)
	assertPlacement(t, s, b)
}

func TestSchedulerTerminate(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", High, 2)
	doomed, other := p.Threads[0], p.Threads[1]
	pm.SetCurrent(doomed)

	s.UpdateCurrentState()
	s.Terminate(doomed)

	assert.Equal(t, Terminated, doomed.ActiveState)
	assert.True(t, doomed.State.Terminated)
	assertPlacement(t, s, doomed)

	selected := map[int]int{}
	s.OnSelect = func(sel Selection) { selected[sel.Tid]++ }
	for i := 0; i < 50; i++ {
		s.UpdateCurrentState()
	}
	assert.Zero(t, selected[doomed.Id])
	assert.Equal(t, 50, selected[other.Id])

	assert.False(t, s.Suspend(doomed))
	assert.False(t, s.Sleep(doomed, 10))
	s.Terminate(doomed)
	assertPlacement(t, s, doomed)
}

func TestSchedulerThreadTerminatedRoutine(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)
	th := p.Threads[0]

	assert.Equal(t, StatusRunning, s.threadTerminated(th.contextual))
	assert.Equal(t, Terminated, th.ActiveState)
	// 之后再进来什么都不做
	assert.Equal(t, StatusRunning, s.threadTerminated(th.contextual))
	assertPlacement(t, s, th)
}

func TestSchedulerQueueOverflowIsFatal(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{QueueCapacity: 2})

	err := recoverError(func() { spawn(s, pm, "foo", Normal, 3) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestThreadSetActiveState(t *testing.T) {
	th := &Thread{ActiveState: Active, LastActiveState: Active}

	require.NoError(t, th.SetActiveState(Inactive))
	assert.Equal(t, Inactive, th.ActiveState)
	assert.Equal(t, Active, th.LastActiveState, "placement owns LastActiveState")

	require.NoError(t, th.SetActiveState(Terminated))
	err := th.SetActiveState(Active)
	assert.True(t, errors.Is(err, ErrBadStateChange))
	assert.Equal(t, Terminated, th.ActiveState)
}

func TestThreadKeyFollowsQueue(t *testing.T) {
	s, pm := newTestScheduler(SchedulerConfig{})
	p := spawn(s, pm, "foo", Normal, 1)
	th := p.Threads[0]

	assert.Equal(t, th.TimeToRun, th.Key())
	s.Sleep(th, 40)
	assert.Equal(t, 40, th.Key())
	th.SetKey(25)
	assert.Equal(t, 25, th.TimeToSleep)
	assert.Equal(t, int(Normal), th.TimeToRun)
}
