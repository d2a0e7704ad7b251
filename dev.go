package sham

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConsoleBufferSize Console 输出信道的 buffer 大小
const ConsoleBufferSize = 64

// Console 是模拟的控制台设备。
// 其实就是一个「生产者-消费者」问题中的「消费者」：
// 内核往 output 里放行，后台 goroutine 把它们写到 io.Writer。
// 中断里也会往这里写，所以 WriteLine 在 buffer 满了的时候直接丢弃，不会阻塞调用者；
// WriteLines 则等待后台写出。
type Console struct {
	Id string

	output  chan string
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewConsole 新建控制台，并使其开始工作。w 为 nil 时写到 os.Stdout。
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	c := &Console{
		Id:     "console",
		output: make(chan string, ConsoleBufferSize),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		for line := range c.output {
			fmt.Fprintln(w, line)
		}
	}()

	return c
}

// WriteLine 输出一行。nil 的 Console 什么都不做。
func (c *Console) WriteLine(line string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.output <- line:
	default:
		c.dropped++
		log.WithField("device", c.Id).Warn("[Device] console buffer full, line dropped")
	}
}

// WriteLines 按顺序输出多行。buffer 满时等后台写出，一行都不丢。
// 用于诊断清单这类必须完整的输出。
func (c *Console) WriteLines(lines ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, line := range lines {
		c.output <- line
	}
}

// Printf 格式化输出一行
func (c *Console) Printf(format string, args ...interface{}) {
	c.WriteLine(fmt.Sprintf(format, args...))
}

// Dropped 因为 buffer 满丢掉的行数
func (c *Console) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close 关闭控制台，等已经放进来的行都写完
func (c *Console) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.output)
		c.mu.Unlock()
	})
	<-c.done
}
