package sham

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 默认配置
const (
	DefaultTimerPeriodMS        = 5
	DefaultUpdatePeriodMS       = 15
	DefaultMaxStarvationRetries = 4096
	DefaultPITPeriodMS          = 1
)

// SchedulerConfig 调度器的配置
type SchedulerConfig struct {
	// TimerPeriodMS 时钟中断处理程序的触发周期
	TimerPeriodMS int `yaml:"timer_period_ms"`
	// UpdatePeriodMS 调度周期，也是睡眠量每次衰减的量
	UpdatePeriodMS int `yaml:"update_period_ms"`
	// QueueCapacity 每个队列最多容纳的线程数
	QueueCapacity int `yaml:"queue_capacity"`
	// MaxStarvationRetries Active Queue 空的时候最多提前整理几次 Inactive Queue
	MaxStarvationRetries int `yaml:"max_starvation_retries"`
	// WakeOnSleepExpiry 睡眠量衰减到 0 的线程自动醒来。默认关闭：只有 Wake 能唤醒线程。
	WakeOnSleepExpiry bool `yaml:"wake_on_sleep_expiry"`
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.TimerPeriodMS <= 0 {
		c.TimerPeriodMS = DefaultTimerPeriodMS
	}
	if c.UpdatePeriodMS <= 0 {
		c.UpdatePeriodMS = DefaultUpdatePeriodMS
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxStarvationRetries <= 0 {
		c.MaxStarvationRetries = DefaultMaxStarvationRetries
	}
	return c
}

// LogConfig 日志配置
type LogConfig struct {
	// Level logrus 的级别：trace, debug, info, warn, error
	Level string `yaml:"level"`
	// Format text 或 json
	Format string `yaml:"format"`
}

// 线程行为，见 ThreadConfig
const (
	BehaviorSpin   = "spin"
	BehaviorExit   = "exit"
	BehaviorSleepy = "sleepy"
	BehaviorFault  = "fault"
)

// ThreadConfig 场景里的一个线程
type ThreadConfig struct {
	// Behavior 线程做什么：
	//   spin   一直跑，不结束
	//   exit   跑 Steps 步后返回
	//   sleepy 每跑 Steps 步睡 SleepMS 毫秒
	//   fault  第 Steps 步时在 FaultAddress 缺页，然后一直跑
	Behavior     string `yaml:"behavior"`
	Steps        int    `yaml:"steps"`
	SleepMS      int    `yaml:"sleep_ms"`
	FaultAddress uint32 `yaml:"fault_address"`
}

// Runnable 按 Behavior 构造线程代码
func (tc ThreadConfig) Runnable() (Runnable, error) {
	if tc.Steps < 0 || tc.SleepMS < 0 {
		return nil, fmt.Errorf("%w: negative steps or sleep_ms", ErrInvalidBehavior)
	}
	steps := uint(tc.Steps)
	switch strings.ToLower(tc.Behavior) {
	case BehaviorSpin, "":
		return func(contextual *Contextual) int {
			return StatusRunning
		}, nil
	case BehaviorExit:
		return func(contextual *Contextual) int {
			if contextual.PC+1 >= steps {
				return StatusDone
			}
			return StatusRunning
		}, nil
	case BehaviorSleepy:
		if steps == 0 {
			steps = 1
		}
		ms := tc.SleepMS
		return func(contextual *Contextual) int {
			if (contextual.PC+1)%steps == 0 {
				contextual.Sleep(ms)
			}
			return StatusRunning
		}, nil
	case BehaviorFault:
		addr := tc.FaultAddress
		return func(contextual *Contextual) int {
			if contextual.PC == steps {
				contextual.PageFault(addr)
			}
			return StatusRunning
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBehavior, tc.Behavior)
}

// ProcessConfig 场景里的一个进程
type ProcessConfig struct {
	Name     string         `yaml:"name"`
	Priority Priority       `yaml:"priority"`
	UserMode bool           `yaml:"user_mode"`
	Threads  []ThreadConfig `yaml:"threads"`
}

// Config 是整个模拟的配置：调度器参数、设备参数、日志和要跑的场景
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// PITPeriodMS 硬件时钟周期，CPU 每个周期跑当前线程一步
	PITPeriodMS int `yaml:"pit_period_ms"`
	// StackWords 每个线程栈的大小（字）
	StackWords int `yaml:"stack_words"`
	// PageFaultDiagnostics 注册缺页诊断中断
	PageFaultDiagnostics bool `yaml:"page_fault_diagnostics"`

	Log       LogConfig       `yaml:"log"`
	Processes []ProcessConfig `yaml:"processes"`
}

// DefaultConfig 默认配置：5ms 时钟中断，15ms 调度周期，每个队列 1024 个位置，没有进程
func DefaultConfig() Config {
	return Config{
		Scheduler:   SchedulerConfig{}.withDefaults(),
		PITPeriodMS: DefaultPITPeriodMS,
		StackWords:  DefaultStackWords,
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

func (c Config) withDefaults() Config {
	c.Scheduler = c.Scheduler.withDefaults()
	if c.PITPeriodMS <= 0 {
		c.PITPeriodMS = DefaultPITPeriodMS
	}
	if c.StackWords <= 0 {
		c.StackWords = DefaultStackWords
	}
	for i := range c.Processes {
		if c.Processes[i].Priority == 0 {
			c.Processes[i].Priority = Normal
		}
	}
	return c
}

// Validate 检查配置
func (c Config) Validate() error {
	s := c.Scheduler
	if s.TimerPeriodMS <= 0 || s.UpdatePeriodMS <= 0 {
		return fmt.Errorf("%w: timer_period_ms and update_period_ms must be positive", ErrInvalidConfig)
	}
	if s.UpdatePeriodMS < s.TimerPeriodMS {
		return fmt.Errorf("%w: update_period_ms (%d) shorter than timer_period_ms (%d)",
			ErrInvalidConfig, s.UpdatePeriodMS, s.TimerPeriodMS)
	}
	if c.PITPeriodMS > s.TimerPeriodMS {
		return fmt.Errorf("%w: pit_period_ms (%d) longer than timer_period_ms (%d)",
			ErrInvalidConfig, c.PITPeriodMS, s.TimerPeriodMS)
	}

	// idle 进程也占一个位置
	threads := 1
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("%w: process without name", ErrInvalidConfig)
		}
		threads += len(p.Threads)
		for i, t := range p.Threads {
			if _, err := t.Runnable(); err != nil {
				return fmt.Errorf("process %q thread %d: %w", p.Name, i, err)
			}
		}
	}
	if threads > s.QueueCapacity {
		return fmt.Errorf("%w: %d threads exceed queue_capacity %d", ErrInvalidConfig, threads, s.QueueCapacity)
	}
	return nil
}

// ParseConfig 解析 YAML，没写的字段用默认值
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfig 读取 YAML 配置文件
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return config, nil
}
