package sham

import (
	"container/heap"
	"fmt"
)

// DefaultQueueCapacity 是运行队列的默认容量
const DefaultQueueCapacity = 1024

// Item 是可以放进 PriorityQueue 的东西：有一个可读写的 Key。
// 同一个 Item 同一时刻只能在一个队列里。
type Item interface {
	comparable
	Key() int
	SetKey(key int)
}

// PriorityQueue 是一个带「衰减」的最小堆：Key 小的先出。
//
// 除了常规的 Insert / ExtractMin，还支持按身份 Delete（线程会因为被调度以外的原因离开队列），
// 以及 DecreaseAllKeys：把所有 Key 一起减掉一个量，用来表示时间流逝。
// 相同 Key 按插入顺序出队。
//
// 容量在构造时固定，超出容量是致命错误（panic ErrQueueFull）。
type PriorityQueue[T Item] struct {
	Name string

	capacity int
	h        entryHeap[T]
	index    map[T]*entry[T]

	// seq 给新插入的元素编号，front 给 MoveToFront 的元素编号（负数，排在同 Key 的所有人前面）
	seq   int64
	front int64
}

type entry[T Item] struct {
	item  T
	seq   int64
	index int
}

// NewPriorityQueue 新建一个容量为 capacity 的队列
func NewPriorityQueue[T Item](name string, capacity int) *PriorityQueue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PriorityQueue[T]{
		Name:     name,
		capacity: capacity,
		h:        make(entryHeap[T], 0, capacity),
		index:    make(map[T]*entry[T], capacity),
	}
}

// Len 队列中的元素个数
func (q *PriorityQueue[T]) Len() int { return len(q.h) }

// Cap 队列容量
func (q *PriorityQueue[T]) Cap() int { return q.capacity }

// Contains 判断 item 是否在队列中
func (q *PriorityQueue[T]) Contains(item T) bool {
	_, ok := q.index[item]
	return ok
}

// Insert 按 item 当前的 Key 插入。O(log n)。
// 已经在队列里的 item 只会按新 Key 调整位置。
func (q *PriorityQueue[T]) Insert(item T) {
	if e, ok := q.index[item]; ok {
		heap.Fix(&q.h, e.index)
		return
	}
	if len(q.h) >= q.capacity {
		panic(fmt.Errorf("%w: %s (capacity %d)", ErrQueueFull, q.Name, q.capacity))
	}
	q.seq++
	e := &entry[T]{item: item, seq: q.seq}
	q.index[item] = e
	heap.Push(&q.h, e)
}

// Delete 按身份删除 item，不在队列中返回 false。O(log n)。
func (q *PriorityQueue[T]) Delete(item T) bool {
	e, ok := q.index[item]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.index, item)
	return true
}

// PeekMin 返回 Key 最小的元素但不移除
func (q *PriorityQueue[T]) PeekMin() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	return q.h[0].item, true
}

// ExtractMin 移除并返回 Key 最小的元素
func (q *PriorityQueue[T]) ExtractMin() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(&q.h).(*entry[T])
	delete(q.index, e.item)
	return e.item, true
}

// DecreaseAllKeys 把每个元素的 Key 减去 amount，但不低于 floor。
//
// 单纯的减法不会改变顺序，但被 floor 截住的元素会变成平局，
// 平局按 seq 排，可能和原来的堆序冲突，所以最后 heap.Init 一下。O(n)。
func (q *PriorityQueue[T]) DecreaseAllKeys(amount, floor int) {
	if len(q.h) == 0 {
		return
	}
	for _, e := range q.h {
		k := e.item.Key() - amount
		if k < floor {
			k = floor
		}
		e.item.SetKey(k)
	}
	heap.Init(&q.h)
}

// MoveToFront 把 item 的 Key 降为 key，并让它排在同 Key 的所有元素前面。
// item 不在队列中返回 false。
func (q *PriorityQueue[T]) MoveToFront(item T, key int) bool {
	e, ok := q.index[item]
	if !ok {
		return false
	}
	if key < item.Key() {
		item.SetKey(key)
	}
	q.front--
	e.seq = q.front
	heap.Fix(&q.h, e.index)
	return true
}

// Items 返回队列中所有元素的快照（堆序，不是有序的），诊断用
func (q *PriorityQueue[T]) Items() []T {
	items := make([]T, 0, len(q.h))
	for _, e := range q.h {
		items = append(items, e.item)
	}
	return items
}

// entryHeap 实现 heap.Interface
type entryHeap[T Item] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	ki, kj := h[i].item.Key(), h[j].item.Key()
	if ki != kj {
		return ki < kj
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x interface{}) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// SuspendedSet 是被挂起线程的无序集合，不参与衰减
type SuspendedSet[T comparable] struct {
	capacity int
	members  map[T]struct{}
}

// NewSuspendedSet 新建容量为 capacity 的集合
func NewSuspendedSet[T comparable](capacity int) *SuspendedSet[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &SuspendedSet[T]{capacity: capacity, members: make(map[T]struct{})}
}

// Add 加入集合，超出容量 panic
func (s *SuspendedSet[T]) Add(item T) {
	if _, ok := s.members[item]; ok {
		return
	}
	if len(s.members) >= s.capacity {
		panic(fmt.Errorf("%w: suspended set (capacity %d)", ErrQueueFull, s.capacity))
	}
	s.members[item] = struct{}{}
}

// Remove 移出集合，不在集合里返回 false
func (s *SuspendedSet[T]) Remove(item T) bool {
	if _, ok := s.members[item]; !ok {
		return false
	}
	delete(s.members, item)
	return true
}

// Contains 是否在集合中
func (s *SuspendedSet[T]) Contains(item T) bool {
	_, ok := s.members[item]
	return ok
}

// Len 集合大小
func (s *SuspendedSet[T]) Len() int { return len(s.members) }
