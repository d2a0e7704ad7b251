package sham

import "fmt"

// x86 段选择子。用户态的选择子低两位是 RPL=3。
const (
	KernelCodeSelector uint32 = 0x08
	KernelDataSelector uint32 = 0x10
	UserCodeSelector   uint32 = 0x1B
	UserDataSelector   uint32 = 0x23
)

// InitialEFlags 线程开始时的 EFLAGS：保留位 1 = 1，IF = 1，IOPL = 0
const InitialEFlags uint32 = 0x0202

// PopadIgnored 放在 pushad 镜像里 ESP 的位置，popad 会跳过它
const PopadIgnored uint32 = 0xDEADBEEF

// Context 是一组 CPU 寄存器。模拟 CPU 从这里继续执行线程。
type Context struct {
	EIP    uint32
	CS     uint32
	EFLAGS uint32
	ESP    uint32
	SS     uint32

	EAX, ECX, EDX, EBX uint32
	EBP, ESI, EDI      uint32

	DS, ES, FS, GS uint32
}

// PrivilegeLevel 当前特权级（CS 的低两位）
func (c *Context) PrivilegeLevel() uint32 { return c.CS & 3 }

// frameBuilder 按 x86 push 的语义往栈上写：先减 ESP 再写
type frameBuilder struct {
	stack *Stack
	sp    uint32
	err   error
}

func (b *frameBuilder) push(v uint32) {
	if b.err != nil {
		return
	}
	if b.sp < b.stack.Base+WordSize {
		b.err = fmt.Errorf("%w: stack at 0x%08X", ErrStackOverflow, b.stack.Base)
		return
	}
	b.sp -= WordSize
	b.err = b.stack.Store(b.sp, v)
}

// pushGeneralRegisters 写一个 pushad 的镜像：EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI
func (b *frameBuilder) pushGeneralRegisters(ebp uint32) {
	b.push(0) // eax
	b.push(0) // ecx
	b.push(0) // edx
	b.push(0) // ebx
	b.push(PopadIgnored)
	b.push(ebp)
	b.push(0) // esi
	b.push(0) // edi
}

func (b *frameBuilder) pushSegments(selector uint32) {
	b.push(selector) // ds
	b.push(selector) // es
	b.push(selector) // fs
	b.push(selector) // gs
}

// BuildStartFrame 在线程栈上构造第一次运行用的中断返回帧。
//
// 从 ThreadStackTop 往下依次是：
//
//	终止帧   CS=0x08, terminateEIP           入口函数 ret 之后落到这里
//	iret 帧  [SS, ESP,] EFLAGS, CS, EIP       用户态才有 SS/ESP
//	pushad   EAX ECX EDX EBX (ESP) EBP ESI EDI
//	段寄存器 DS ES FS GS
//
// 只把最终的栈指针写回 state.ESP，没有其他副作用。
func BuildStartFrame(state *ThreadState, userMode bool, terminateEIP uint32) error {
	if state.Stack == nil {
		return fmt.Errorf("%w: thread has no stack", ErrStackOverflow)
	}
	b := &frameBuilder{stack: state.Stack, sp: state.ThreadStackTop + WordSize}

	b.push(KernelCodeSelector)
	b.push(terminateEIP)

	if userMode {
		// 回到用户态后 ESP 指向终止帧
		userESP := b.sp
		b.push(UserDataSelector) // ss
		b.push(userESP)
		b.push(InitialEFlags)
		b.push(UserCodeSelector)
		b.push(state.StartEIP)
		b.pushGeneralRegisters(userESP)
		b.pushSegments(UserDataSelector)
	} else {
		b.push(InitialEFlags)
		b.push(KernelCodeSelector)
		b.push(state.StartEIP)
		b.pushGeneralRegisters(state.ThreadStackTop)
		b.pushSegments(KernelDataSelector)
	}

	if b.err != nil {
		return b.err
	}
	state.ESP = b.sp
	return nil
}

// popper 按 x86 pop 的语义从栈上读：先读再加 ESP
type popper struct {
	stack *Stack
	sp    uint32
	err   error
}

func (p *popper) pop() uint32 {
	if p.err != nil {
		return 0
	}
	if p.sp > p.stack.Top() {
		p.err = fmt.Errorf("%w: esp 0x%08X", ErrStackUnderflow, p.sp)
		return 0
	}
	v, err := p.stack.Load(p.sp)
	if err != nil {
		p.err = err
		return 0
	}
	p.sp += WordSize
	return v
}

// InterruptReturn 模拟内核从中断返回线程的指令序列：
//
//	pop gs; pop fs; pop es; pop ds
//	popad
//	iret
//
// 在 ring 0 执行。iret 弹出的 CS 特权级不是 0 时还会弹出 ESP、SS（切换到用户栈）；
// 否则留在内核栈上，SS 保持内核数据段。
func InterruptReturn(stack *Stack, esp uint32) (*Context, error) {
	p := &popper{stack: stack, sp: esp}
	ctx := &Context{}

	ctx.GS = p.pop()
	ctx.FS = p.pop()
	ctx.ES = p.pop()
	ctx.DS = p.pop()

	ctx.EDI = p.pop()
	ctx.ESI = p.pop()
	ctx.EBP = p.pop()
	_ = p.pop() // popad 忽略 ESP
	ctx.EBX = p.pop()
	ctx.EDX = p.pop()
	ctx.ECX = p.pop()
	ctx.EAX = p.pop()

	ctx.EIP = p.pop()
	ctx.CS = p.pop()
	ctx.EFLAGS = p.pop()
	if ctx.CS&3 != 0 {
		ctx.ESP = p.pop()
		ctx.SS = p.pop()
	} else {
		ctx.ESP = p.sp
		ctx.SS = KernelDataSelector
	}

	if p.err != nil {
		return nil, p.err
	}
	return ctx, nil
}

// FarReturn 模拟 retf：从 ctx.ESP 弹出 EIP、CS
func FarReturn(stack *Stack, ctx *Context) error {
	p := &popper{stack: stack, sp: ctx.ESP}
	eip := p.pop()
	cs := p.pop()
	if p.err != nil {
		return p.err
	}
	ctx.EIP, ctx.CS, ctx.ESP = eip, cs, p.sp
	return nil
}
