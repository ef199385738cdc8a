// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ringbuffer_test

import (
	"testing"

	"github.com/antimetal/nvme/pkg/ringbuffer"
	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	t.Run("basic push and getAll", func(t *testing.T) {
		rb, err := ringbuffer.New[int](3)
		assert.NoError(t, err)

		assert.Equal(t, []int{}, rb.GetAll())
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, 3, rb.Cap())

		rb.Push(1)
		assert.Equal(t, []int{1}, rb.GetAll())
		assert.Equal(t, 1, rb.Len())

		rb.Push(2)
		rb.Push(3)
		assert.Equal(t, []int{1, 2, 3}, rb.GetAll())
		assert.True(t, rb.Full())
	})

	t.Run("overflow wraps around", func(t *testing.T) {
		rb, err := ringbuffer.New[string](3)
		assert.NoError(t, err)

		rb.Push("a")
		rb.Push("b")
		rb.Push("c")
		rb.Push("d")
		assert.Equal(t, []string{"b", "c", "d"}, rb.GetAll())
		assert.Equal(t, 3, rb.Len())
	})

	t.Run("fifo pop", func(t *testing.T) {
		rb, err := ringbuffer.New[uint16](4)
		assert.NoError(t, err)

		_, ok := rb.Pop()
		assert.False(t, ok)

		for i := uint16(0); i < 4; i++ {
			rb.Push(i)
		}
		for i := uint16(0); i < 4; i++ {
			v, ok := rb.Pop()
			assert.True(t, ok)
			assert.Equal(t, i, v)
		}
		_, ok = rb.Pop()
		assert.False(t, ok)
	})

	t.Run("pop interleaved with push keeps order across wrap", func(t *testing.T) {
		rb, err := ringbuffer.New[int](3)
		assert.NoError(t, err)

		rb.Push(1)
		rb.Push(2)
		v, _ := rb.Pop()
		assert.Equal(t, 1, v)
		rb.Push(3)
		rb.Push(4) // wraps into the slot Pop vacated
		assert.Equal(t, []int{2, 3, 4}, rb.GetAll())
		v, _ = rb.Pop()
		assert.Equal(t, 2, v)
	})

	t.Run("clear buffer", func(t *testing.T) {
		rb, err := ringbuffer.New[int](5)
		assert.NoError(t, err)
		for i := 0; i < 10; i++ {
			rb.Push(i)
		}
		rb.Clear()
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, []int{}, rb.GetAll())
	})

	t.Run("invalid capacity", func(t *testing.T) {
		_, err := ringbuffer.New[int](0)
		assert.Error(t, err)
		_, err = ringbuffer.New[int](-1)
		assert.Error(t, err)
	})
}
