package netstatus

import (
	"sync"
	"testing"
)

func TestSubscribe_InvokedImmediately(t *testing.T) {
	m := New(false)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	if len(got) != 1 || got[0] != false {
		t.Fatalf("got = %v, want [false]", got)
	}
}

func TestSet_NotifiesOnTransitionOnly(t *testing.T) {
	m := New(true)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(true)  // no change
	m.Set(false) // transition
	m.Set(false) // no change
	m.Set(true)  // transition

	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("got = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if !m.IsOnline() {
		t.Error("IsOnline = false, want true")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := New(true)

	calls := 0
	unsub := m.Subscribe(func(bool) { calls++ })
	unsub()
	unsub()

	m.Set(false)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (initial only)", calls)
	}
}

func TestPassiveReports(t *testing.T) {
	m := New(true)
	m.ReportFailure()
	if m.IsOnline() {
		t.Error("IsOnline after ReportFailure = true")
	}
	m.ReportSuccess()
	if !m.IsOnline() {
		t.Error("IsOnline after ReportSuccess = false")
	}
}

func TestConcurrentSet(t *testing.T) {
	m := New(false)

	var mu sync.Mutex
	transitions := 0
	m.Subscribe(func(bool) {
		mu.Lock()
		transitions++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i%2 == 0)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if transitions < 1 {
		t.Errorf("transitions = %d, want at least the initial call", transitions)
	}
}
