package sham

import "errors"

// 调度器以及模拟硬件的错误。
// 致命的（队列溢出、栈放不下启动帧）会被包起来 panic，其他的照常返回。
var (
	ErrQueueFull       = errors.New("queue capacity exceeded")
	ErrStackOverflow   = errors.New("stack too small for start frame")
	ErrStackUnderflow  = errors.New("pop past stack top")
	ErrBadAddress      = errors.New("address outside stack")
	ErrNoSuchProcess   = errors.New("no such process")
	ErrNoSuchThread    = errors.New("no such thread")
	ErrNoCode          = errors.New("no code mapped at address")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrInvalidBehavior = errors.New("invalid thread behavior")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrOSHalted        = errors.New("os halted")
	ErrBadStateChange  = errors.New("invalid thread state transition")
)
