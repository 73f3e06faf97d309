package testutils

import (
	"sync"
	"time"
)

type MockClock struct {
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time { return m.CurrentTime }

type MockRand struct {
	Mu       sync.Mutex
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ValInt >= n {
		return n - 1
	}
	return m.ValInt
}

func (m *MockRand) Float64() float64 {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.ValFloat
}

// Set changes the returned values mid-test.
func (m *MockRand) Set(valInt int, valFloat float64) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ValInt = valInt
	m.ValFloat = valFloat
}
