package runner

import "sync"

// ConsecutiveList tracks in-flight markers in the order they were
// pushed and releases them only as unbroken runs of completed markers
// from the front. It is how a stream consumer finds the position it can
// safely resume from.
type ConsecutiveList[T any] struct {
	mu    sync.Mutex
	items []*ConsecutiveItem[T]
}

// ConsecutiveItem is one marker of a ConsecutiveList.
type ConsecutiveItem[T any] struct {
	list     *ConsecutiveList[T]
	Value    T
	complete bool
}

// Push appends a marker.
func (l *ConsecutiveList[T]) Push(v T) *ConsecutiveItem[T] {
	it := &ConsecutiveItem[T]{list: l, Value: v}
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
	return it
}

// Complete marks the item done and returns the values of the completed
// run now at the front of the list, removing them. It returns nothing
// while an earlier item is still in flight.
func (it *ConsecutiveItem[T]) Complete() []T {
	l := it.list
	l.mu.Lock()
	defer l.mu.Unlock()
	it.complete = true
	return l.release()
}

// Cancel drops an item that will never be completed. Its value is not
// released, but completed items queued behind it may be, and those are
// returned as for Complete.
func (it *ConsecutiveItem[T]) Cancel() []T {
	l := it.list
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, other := range l.items {
		if other == it {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			break
		}
	}
	return l.release()
}

func (l *ConsecutiveList[T]) release() []T {
	n := 0
	for n < len(l.items) && l.items[n].complete {
		n++
	}
	if n == 0 {
		return nil
	}
	res := make([]T, n)
	for i := 0; i < n; i++ {
		res[i] = l.items[i].Value
	}
	l.items = l.items[n:]
	return res
}

// Len returns the number of markers not yet released.
func (l *ConsecutiveList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
