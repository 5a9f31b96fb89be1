package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_LockSerializesKey(t *testing.T) {
	m := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a")
			defer unlock()
			c := counter
			c++
			counter = c
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len())
}

func Test_LockManyKeysNoDeadlock(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Lock("x", "y")()
		}()
		go func() {
			defer wg.Done()
			m.Lock("y", "x", "y", "")()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.Len())
}

func Test_UnlockIsIdempotent(t *testing.T) {
	m := New()
	unlock := m.Lock("k")
	unlock()
	unlock()

	m.Lock("k")()
	assert.Equal(t, 0, m.Len())
}

func Test_Normalize(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, normalize([]string{"b", "", "a", "b", "a"}))
	assert.Equal(t, []string{}, normalize(nil))
}
