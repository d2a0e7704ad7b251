package sham

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	name string
	key  int
}

func (i *testItem) Key() int       { return i.key }
func (i *testItem) SetKey(key int) { i.key = key }

func item(name string, key int) *testItem { return &testItem{name: name, key: key} }

func drain(q *PriorityQueue[*testItem]) []string {
	var names []string
	for {
		it, ok := q.ExtractMin()
		if !ok {
			return names
		}
		names = append(names, it.name)
	}
}

// recoverError 执行 f，返回它 panic 出来的 error
func recoverError(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	f()
	return nil
}

func TestPriorityQueueOrder(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	for _, it := range []*testItem{item("e", 5), item("c", 3), item("i", 9), item("a", 1), item("g", 7)} {
		q.Insert(it)
	}
	require.Equal(t, 5, q.Len())

	top, ok := q.PeekMin()
	require.True(t, ok)
	assert.Equal(t, "a", top.name)
	assert.Equal(t, 5, q.Len(), "PeekMin must not remove")

	assert.Equal(t, []string{"a", "c", "e", "g", "i"}, drain(q))

	_, ok = q.ExtractMin()
	assert.False(t, ok)
	_, ok = q.PeekMin()
	assert.False(t, ok)
}

func TestPriorityQueueTiesFIFO(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	q.Insert(item("first", 2))
	q.Insert(item("second", 2))
	q.Insert(item("zero", 0))
	q.Insert(item("third", 2))

	assert.Equal(t, []string{"zero", "first", "second", "third"}, drain(q))
}

func TestPriorityQueueDeleteByIdentity(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	a, b, c := item("a", 1), item("b", 1), item("c", 3)
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	// 和 b 的 Key 一样但不是同一个东西
	twin := item("b", 1)
	assert.False(t, q.Delete(twin))

	assert.True(t, q.Delete(b))
	assert.False(t, q.Delete(b))
	assert.False(t, q.Contains(b))
	assert.True(t, q.Contains(a))

	assert.Equal(t, []string{"a", "c"}, drain(q))
}

func TestPriorityQueueDecreaseAllKeysFloor(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	a, b, c := item("a", 3), item("b", 10), item("c", 20)
	q.Insert(c)
	q.Insert(b)
	q.Insert(a)

	q.DecreaseAllKeys(5, 0)

	assert.Equal(t, 0, a.key)
	assert.Equal(t, 5, b.key)
	assert.Equal(t, 15, c.key)
	assert.Equal(t, 3, q.Len(), "clamped items stay in the queue")
	for _, it := range []*testItem{a, b, c} {
		assert.True(t, q.Contains(it))
	}

	q.DecreaseAllKeys(100, 0)
	assert.Equal(t, 0, b.key)
	assert.Equal(t, 0, c.key)
	assert.Equal(t, 3, q.Len())
}

func TestPriorityQueueDecreaseAllKeysKeepsOrder(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	// 都被截到 floor 之后是平局，按插入顺序出队
	q.Insert(item("late", 4))
	q.Insert(item("early", 2))
	q.DecreaseAllKeys(10, 1)

	assert.Equal(t, []string{"late", "early"}, drain(q))
}

func TestPriorityQueueCapacity(t *testing.T) {
	q := NewPriorityQueue[*testItem]("tiny", 2)
	q.Insert(item("a", 1))
	q.Insert(item("b", 2))
	assert.Equal(t, 2, q.Cap())

	err := recoverError(func() { q.Insert(item("c", 3)) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Contains(t, err.Error(), "tiny")
	assert.Equal(t, 2, q.Len())

	// 已经在队列里的再插入一次不算新元素
	a, _ := q.PeekMin()
	assert.NotPanics(t, func() { q.Insert(a) })
}

func TestPriorityQueueReinsertFixes(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	a, b := item("a", 1), item("b", 5)
	q.Insert(a)
	q.Insert(b)

	a.key = 9
	q.Insert(a)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"b", "a"}, drain(q))
}

func TestPriorityQueueMoveToFront(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	a, b, c := item("a", 0), item("b", 0), item("c", 5)
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	assert.True(t, q.MoveToFront(c, 0))
	assert.Equal(t, 0, c.key)
	assert.False(t, q.MoveToFront(item("x", 0), 0))

	assert.Equal(t, []string{"c", "a", "b"}, drain(q))
}

func TestPriorityQueueMoveToFrontNeverRaisesKey(t *testing.T) {
	q := NewPriorityQueue[*testItem]("test", 16)
	a := item("a", 2)
	q.Insert(a)
	q.MoveToFront(a, 10)
	assert.Equal(t, 2, a.key)
}

func TestPriorityQueueRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := NewPriorityQueue[*testItem]("random", 256)
	var present []*testItem

	checkMin := func() {
		require.Equal(t, len(present), q.Len())
		top, ok := q.PeekMin()
		if len(present) == 0 {
			require.False(t, ok)
			return
		}
		require.True(t, ok)
		for _, it := range present {
			require.LessOrEqual(t, top.key, it.key, "heap order broken")
			require.True(t, q.Contains(it))
		}
	}

	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(10); {
		case op < 4 && len(present) < q.Cap():
			it := item("x", rng.Intn(50))
			q.Insert(it)
			present = append(present, it)
		case op < 6 && len(present) > 0:
			j := rng.Intn(len(present))
			require.True(t, q.Delete(present[j]))
			present = append(present[:j], present[j+1:]...)
		case op < 7 && len(present) > 0:
			it, ok := q.ExtractMin()
			require.True(t, ok)
			for j, p := range present {
				if p == it {
					present = append(present[:j], present[j+1:]...)
					break
				}
			}
		case op < 9:
			q.DecreaseAllKeys(rng.Intn(5), 0)
			for _, it := range present {
				require.GreaterOrEqual(t, it.key, 0)
			}
		default:
			if len(present) > 0 {
				q.MoveToFront(present[rng.Intn(len(present))], 0)
			}
		}
		checkMin()
	}
}

func TestSuspendedSet(t *testing.T) {
	s := NewSuspendedSet[*testItem](2)
	a, b := item("a", 0), item("b", 0)

	s.Add(a)
	s.Add(a)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(a))
	assert.False(t, s.Contains(b))

	s.Add(b)
	err := recoverError(func() { s.Add(item("c", 0)) })
	assert.True(t, errors.Is(err, ErrQueueFull))

	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a))
	assert.Equal(t, 1, s.Len())
}
