package collab

import (
	"slices"
	"sync"
)

// makes a copy of the list on update, so `Get` can be iterated without the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    uint64
	ids       []uint64
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		ids:       []uint64{},
		callbacks: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1

	self.ids = append(slices.Clone(self.ids), id)
	self.callbacks = append(slices.Clone(self.callbacks), callback)

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, id)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
