package pressure

import (
	"errors"
	"sync"
	"testing"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		high, low int
		wantErr   bool
	}{
		{"ok", 100, 80, 20, false},
		{"zero capacity", 0, 80, 20, true},
		{"inverted", 100, 20, 80, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.capacity, tt.high, tt.low)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, event.ErrInvalidConfiguration) {
				t.Errorf("err = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestController_Watermarks(t *testing.T) {
	c, _ := New(10, 80, 20)
	var edges []bool
	c.OnChange(func(v bool) { edges = append(edges, v) })

	for i := 0; i < 8; i++ {
		if err := c.Acquire(); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if !c.Triggered() {
		t.Fatal("not triggered at 80%")
	}
	err := c.Acquire()
	if !errors.Is(err, event.ErrBackpressureTriggered) {
		t.Fatalf("Acquire while triggered = %v", err)
	}
	if err := c.Check(); err == nil {
		t.Error("Check passed while triggered")
	}

	c.Release(5)
	if !c.Triggered() {
		t.Error("released above low watermark")
	}
	c.Release(1)
	if c.Triggered() {
		t.Error("still triggered at 20%")
	}
	if err := c.Acquire(); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
	if c.InUse() != 3 || c.Activations() != 1 || c.Refused() != 2 {
		t.Errorf("in use %d activations %d refused %d", c.InUse(), c.Activations(), c.Refused())
	}
	if len(edges) != 2 || !edges[0] || edges[1] {
		t.Errorf("edges = %v", edges)
	}
}

func TestController_ReleaseNeverNegative(t *testing.T) {
	c, _ := New(10, 80, 20)
	c.Release(3)
	c.Release(0)
	if c.InUse() != 0 {
		t.Errorf("InUse() = %d", c.InUse())
	}
}

func TestController_ConcurrentConverges(t *testing.T) {
	c, _ := New(64, 75, 25)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if c.Acquire() == nil {
					c.Release(1)
				}
			}
		}()
	}
	wg.Wait()
	if c.InUse() != 0 || c.Triggered() {
		t.Errorf("after churn: in use %d triggered %v", c.InUse(), c.Triggered())
	}
}
