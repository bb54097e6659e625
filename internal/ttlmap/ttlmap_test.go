package ttlmap

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMap_SetGet(t *testing.T) {
	m := NewMap[string, int](0)

	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestMap_Add(t *testing.T) {
	m := NewMap[string, int](0)

	if !m.Add("a", 1) {
		t.Error("first Add should succeed")
	}
	if m.Add("a", 2) {
		t.Error("second Add for same key should fail")
	}

	v, _ := m.Get("a")
	if v != 1 {
		t.Errorf("value = %d, want original 1", v)
	}
}

func TestMap_GetOrAdd_FactoryRunsOnce(t *testing.T) {
	m := NewMap[string, int](0)

	var calls int
	factory := func() (int, error) {
		calls++
		return 7, nil
	}

	v, loaded, err := m.GetOrAdd("k", factory)
	if err != nil || loaded || v != 7 {
		t.Fatalf("GetOrAdd = %d, %v, %v; want 7, false, nil", v, loaded, err)
	}

	v, loaded, err = m.GetOrAdd("k", factory)
	if err != nil || !loaded || v != 7 {
		t.Fatalf("second GetOrAdd = %d, %v, %v; want 7, true, nil", v, loaded, err)
	}

	if calls != 1 {
		t.Errorf("factory ran %d times, want 1", calls)
	}
}

func TestMap_GetOrAdd_FactoryError(t *testing.T) {
	m := NewMap[string, int](0)

	boom := errors.New("boom")
	_, _, err := m.GetOrAdd("k", func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	if m.Len() != 0 {
		t.Error("failed factory must leave the map unchanged")
	}
}

func TestMap_GetOrAdd_Concurrent(t *testing.T) {
	m := NewMap[string, int](0)

	var mu sync.Mutex
	calls := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrAdd("k", func() (int, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return 1, nil
			})
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("factory ran %d times under contention, want 1", calls)
	}
}

func TestMap_Expiry(t *testing.T) {
	m := NewMap[string, int](30 * time.Millisecond)

	m.Set("a", 1)
	time.Sleep(50 * time.Millisecond)

	if _, ok := m.Get("a"); ok {
		t.Error("entry should have expired")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", m.Len())
	}
}

func TestMap_GetRefreshesIdleClock(t *testing.T) {
	m := NewMap[string, int](60 * time.Millisecond)

	m.Set("a", 1)
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		if _, ok := m.Get("a"); !ok {
			t.Fatal("entry expired despite regular access")
		}
	}
}

func TestMap_SetTimeout(t *testing.T) {
	m := NewMap[string, int](time.Hour)
	m.Set("a", 1)

	m.SetTimeout(10 * time.Millisecond)
	if m.Timeout() != 10*time.Millisecond {
		t.Errorf("Timeout = %v, want 10ms", m.Timeout())
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get("a"); ok {
		t.Error("entry should expire under the new timeout")
	}
}

func TestMap_Dispose(t *testing.T) {
	m := NewMap[string, int](0)
	m.Set("a", 1)

	m.Dispose()
	if m.Len() != 0 {
		t.Error("Dispose should clear entries")
	}

	m.Set("b", 2)
	if m.Len() != 0 {
		t.Error("writes after Dispose should be rejected")
	}
}

func TestSet_AddReportsNewness(t *testing.T) {
	s := NewSet[string](0)

	if !s.Add("x") {
		t.Error("first Add should report new")
	}
	if s.Add("x") {
		t.Error("second Add should report existing")
	}
	if !s.Contains("x") {
		t.Error("Contains(x) should be true")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSet_Expiry(t *testing.T) {
	s := NewSet[string](20 * time.Millisecond)

	s.Add("x")
	time.Sleep(40 * time.Millisecond)

	if s.Contains("x") {
		t.Error("member should have expired")
	}
	if !s.Add("x") {
		t.Error("Add after expiry should report new again")
	}
}
