package sham

import (
	"fmt"
	"sort"
)

// WordSize 模拟的是 32 位 x86：一个字 4 字节
const WordSize = 4

// PageSize 页大小
const PageSize = 4096

// Stack 是模拟的一段栈内存，以字为单位，地址从 Base 开始向上。
// 栈向下增长：Top 是最高的那个字的地址。
type Stack struct {
	Base  uint32
	words []uint32
}

// NewStack 在 base 处开辟 words 个字的栈
func NewStack(base uint32, words int) *Stack {
	return &Stack{Base: base, words: make([]uint32, words)}
}

// Top 栈顶（最高字）的地址
func (s *Stack) Top() uint32 {
	return s.Base + uint32(len(s.words)-1)*WordSize
}

// Words 栈的大小（字）
func (s *Stack) Words() int { return len(s.words) }

func (s *Stack) slot(addr uint32) (int, error) {
	if addr < s.Base || (addr-s.Base)%WordSize != 0 {
		return 0, fmt.Errorf("%w: 0x%08X", ErrBadAddress, addr)
	}
	i := int((addr - s.Base) / WordSize)
	if i >= len(s.words) {
		return 0, fmt.Errorf("%w: 0x%08X", ErrBadAddress, addr)
	}
	return i, nil
}

// Store 写一个字
func (s *Stack) Store(addr, value uint32) error {
	i, err := s.slot(addr)
	if err != nil {
		return err
	}
	s.words[i] = value
	return nil
}

// Load 读一个字
func (s *Stack) Load(addr uint32) (uint32, error) {
	i, err := s.slot(addr)
	if err != nil {
		return 0, err
	}
	return s.words[i], nil
}

// MemoryLayout 是进程的地址空间描述：映射了哪些代码页、数据页（虚拟地址 -> 物理地址）。
// 调度器只在诊断时读它。
type MemoryLayout struct {
	CodePages map[uint32]uint32
	DataPages map[uint32]uint32
}

// NewMemoryLayout 空的地址空间
func NewMemoryLayout() *MemoryLayout {
	return &MemoryLayout{
		CodePages: map[uint32]uint32{},
		DataPages: map[uint32]uint32{},
	}
}

func pageOf(addr uint32) uint32 { return addr &^ (PageSize - 1) }

// MapCode 映射 addr 所在的代码页（恒等映射）
func (m *MemoryLayout) MapCode(addr uint32) {
	m.CodePages[pageOf(addr)] = pageOf(addr)
}

// MapData 映射 [start, end] 覆盖的所有数据页（恒等映射）
func (m *MemoryLayout) MapData(start, end uint32) {
	for p := pageOf(start); p <= pageOf(end); p += PageSize {
		m.DataPages[p] = p
		if p+PageSize < p { // 溢出
			break
		}
	}
}

// CodeAddresses 已映射代码页的虚拟地址，升序
func (m *MemoryLayout) CodeAddresses() []uint32 { return sortedKeys(m.CodePages) }

// DataAddresses 已映射数据页的虚拟地址，升序
func (m *MemoryLayout) DataAddresses() []uint32 { return sortedKeys(m.DataPages) }

func sortedKeys(pages map[uint32]uint32) []uint32 {
	keys := make([]uint32, 0, len(pages))
	for k := range pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// CodeMemory 是模拟的代码段：把「入口地址」映射到 Go 函数。
// 真正的内核里这里是编译器生成的机器码。
type CodeMemory struct {
	next uint32
	code map[uint32]Runnable
}

// CodeBase 第一段代码的地址
const CodeBase uint32 = 0x00100000

// codeAlign 每段代码占的地址空间
const codeAlign = 0x10

// NewCodeMemory 新建空的代码段
func NewCodeMemory() *CodeMemory {
	return &CodeMemory{next: CodeBase, code: map[uint32]Runnable{}}
}

// Load 装入一段代码，返回它的入口地址
func (c *CodeMemory) Load(r Runnable) uint32 {
	addr := c.next
	c.code[addr] = r
	c.next += codeAlign
	return addr
}

// Lookup 取 addr 处的代码
func (c *CodeMemory) Lookup(addr uint32) (Runnable, error) {
	r, ok := c.code[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08X", ErrNoCode, addr)
	}
	return r, nil
}
