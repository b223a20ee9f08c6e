package load

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadFraction(t *testing.T) {
	tr := NewTracker(4)
	assert.Equal(t, 0.0, tr.Load())

	tr.Begin()
	tr.Begin()
	assert.Equal(t, 0.5, tr.Load())
	assert.Equal(t, 2, tr.InFlight())

	tr.End()
	assert.Equal(t, 0.25, tr.Load())
}

func TestLoadClampsAtFull(t *testing.T) {
	tr := NewTracker(2)
	for i := 0; i < 5; i++ {
		tr.Begin()
	}
	assert.Equal(t, 1.0, tr.Load())
	assert.Equal(t, 5, tr.InFlight())
}

func TestEndNeverGoesNegative(t *testing.T) {
	tr := NewTracker(2)
	tr.End()
	assert.Equal(t, 0, tr.InFlight())
	assert.Equal(t, 0.0, tr.Load())
}

func TestPeakAndReset(t *testing.T) {
	tr := NewTracker(10)
	tr.Begin()
	tr.Begin()
	tr.Begin()
	tr.End()
	tr.End()
	assert.Equal(t, 3, tr.Peak())

	tr.Reset()
	assert.Equal(t, 0, tr.Peak())
	assert.Equal(t, 0, tr.InFlight())
}

func TestConcurrentBeginEnd(t *testing.T) {
	tr := NewTracker(100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Begin()
			tr.End()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, tr.InFlight())
	assert.LessOrEqual(t, tr.Peak(), 50)
}
