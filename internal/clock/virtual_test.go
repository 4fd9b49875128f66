package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtual(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewVirtual(start)
	assert.Equal(t, start, v.Now())

	v.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), v.Now())

	v.Advance(-time.Hour)
	assert.Equal(t, start.Add(90*time.Second), v.Now(), "the clock never goes backwards")
}

func TestVirtual_Concurrent(t *testing.T) {
	v := NewVirtual(time.Time{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Advance(time.Second)
			_ = v.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50*time.Second, v.Now().Sub(time.Time{}))
}
