package registry

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	r := New[string, int]()
	assert.NotNil(t, r)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterAndGet(t *testing.T) {
	r := New[string, int]()

	assert.False(t, r.Register("one", 1))
	r.Register("two", 2)

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = r.Get("three")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestRegisterOverwrite(t *testing.T) {
	r := New[string, string]()

	r.Register("key", "old")
	replaced := r.Register("key", "new")

	assert.True(t, replaced)
	v, _ := r.Get("key")
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, r.Len())
}

func TestDelete(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)

	assert.True(t, r.Delete("a"))
	assert.False(t, r.Delete("a"))
	assert.False(t, r.Has("a"))
}

func TestKeysAndValuesOrdered(t *testing.T) {
	r := New[string, int]()
	r.Register("c", 3)
	r.Register("a", 1)
	r.Register("b", 2)

	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
	assert.Equal(t, []int{1, 2, 3}, r.Values())
}

func TestRangeStopsEarly(t *testing.T) {
	r := New[int, string]()
	for i := 0; i < 5; i++ {
		r.Register(i, strconv.Itoa(i))
	}

	var seen []int
	r.Range(func(k int, _ string) bool {
		seen = append(seen, k)
		return k < 2
	})
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestRangeAllowsMutation(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", 2)

	assert.NotPanics(t, func() {
		r.Range(func(k string, _ int) bool {
			r.Delete(k)
			return true
		})
	})
	assert.Equal(t, 0, r.Len())
}

func TestClear(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", 2)

	removed := r.Clear()
	assert.ElementsMatch(t, []int{1, 2}, removed)
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := New[int, int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(n, n*n)
			_, _ = r.Get(n)
			_ = r.Keys()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
