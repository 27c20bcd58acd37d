package queue

import (
	"errors"
	"sync"
	"testing"
	"testing/quick"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

func newBP(t *testing.T, capacity, high, low int) *Backpressure[int] {
	t.Helper()
	inner, err := NewSegmented[int](capacity, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBackpressure[int](inner, high, low)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestValidateWatermarks(t *testing.T) {
	tests := []struct {
		high, low int
		wantErr   bool
	}{
		{80, 20, false},
		{100, 99, false},
		{80, 0, true},
		{101, 20, true},
		{50, 50, true},
		{40, 60, true},
	}
	for _, tt := range tests {
		err := ValidateWatermarks(tt.high, tt.low)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateWatermarks(%d, %d) = %v, wantErr %v", tt.high, tt.low, err, tt.wantErr)
		}
	}
}

// Scenario S4.
func TestBackpressure_TriggerAndRelease(t *testing.T) {
	b := newBP(t, 10, 80, 20)

	for i := 0; i < 8; i++ {
		if err := b.Push(i, 0); err != nil {
			t.Fatalf("Push(%d) below high watermark failed: %v", i, err)
		}
	}
	if !b.Triggered() {
		t.Fatal("expected Triggered at 80% usage")
	}

	err := b.Push(8, 0)
	var bp *event.BackpressureError
	if !errors.As(err, &bp) {
		t.Fatalf("Push while triggered = %v, want BackpressureError", err)
	}
	if bp.QueueSize != 8 || bp.Threshold != 8 {
		t.Errorf("BackpressureError = %+v, want size 8 threshold 8", bp)
	}

	for b.Len() > 2 {
		if _, ok := b.Pop(); !ok {
			t.Fatal("Pop failed on non-empty queue")
		}
		if b.Len() > 2 && !b.Triggered() {
			t.Fatalf("released early at len %d", b.Len())
		}
	}
	if b.Triggered() {
		t.Fatal("expected Normal at 20% usage")
	}
	if err := b.Push(9, 0); err != nil {
		t.Fatalf("Push after release: %v", err)
	}

	var got []int
	for {
		v, ok := b.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	for _, v := range got {
		if v == 8 {
			t.Fatal("refused element was enqueued")
		}
	}
	if b.Activations() != 1 || b.Refused() != 1 {
		t.Errorf("activations=%d refused=%d, want 1/1", b.Activations(), b.Refused())
	}
}

// Property 4: once usage reaches high every push fails until usage drops to
// low; no push fails while Normal and below high.
func TestBackpressure_WatermarkProperty(t *testing.T) {
	prop := func(ops []bool) bool {
		const capacity, high, low = 20, 75, 25
		inner, _ := NewSegmented[int](capacity, 4)
		b, _ := NewBackpressure[int](inner, high, low)

		latched := false
		for i, push := range ops {
			if push {
				before := b.Len()
				err := b.Push(i, 0)
				if latched && err == nil {
					return false
				}
				if !latched && before*100 < high*capacity && err != nil {
					return false
				}
			} else {
				b.Pop()
			}
			if b.Len()*100 >= high*capacity {
				latched = true
			}
			if latched && b.Len()*100 <= low*capacity {
				latched = false
			}
			if latched != b.Triggered() {
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestBackpressure_ConcurrentConvergence(t *testing.T) {
	b := newBP(t, 100, 80, 20)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				b.Push(i, 0)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				b.Pop()
			}
		}()
	}
	wg.Wait()

	for {
		if _, ok := b.Pop(); !ok {
			break
		}
	}
	if b.Triggered() {
		t.Error("empty queue still triggered after concurrent churn")
	}
}

func TestBackpressure_OnChange(t *testing.T) {
	var edges []bool
	inner, _ := NewSegmented[int](4, 2)
	b, _ := NewBackpressure[int](inner, 50, 25)
	b.OnChange(func(v bool) { edges = append(edges, v) })

	b.Push(1, 0)
	b.Push(2, 0)
	b.Pop()
	if len(edges) != 2 || !edges[0] || edges[1] {
		t.Errorf("edges = %v, want [true false]", edges)
	}
}

func TestBackpressure_OverPriority(t *testing.T) {
	inner, _ := NewPriority[string](event.PriorityLevels, 4, 2)
	b, _ := NewBackpressure[string](inner, 100, 50)
	b.Push("n", int(event.Normal))
	b.Push("c", int(event.Critical))
	if v, _ := b.Pop(); v != "c" {
		t.Errorf("Pop() = %q, want c", v)
	}
}
