// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Unix(1767225600, 0) // 2026-01-01T00:00:00Z

func TestFakeNow(t *testing.T) {
	c := Fake(testEpoch)
	if got := c.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", got, testEpoch)
	}

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(testEpoch.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, testEpoch.Add(90*time.Second))
	}
}

func TestFakeAfterFires(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(time.Minute)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("fire time = %v, want %v", fired, testEpoch.Add(time.Minute))
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeAfterZeroFiresImmediately(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterFuncOrder(t *testing.T) {
	c := Fake(testEpoch)

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(testEpoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false on pending timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("Stop() = true on already-stopped timer")
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	c := Fake(testEpoch)

	count := 0
	timer := c.AfterFunc(time.Second, func() { count++ })

	c.Advance(500 * time.Millisecond)
	if !timer.Reset(2 * time.Second) {
		t.Error("Reset() = false on pending timer")
	}

	c.Advance(time.Second)
	if count != 0 {
		t.Fatal("timer fired before reset deadline")
	}
	c.Advance(time.Second)
	if count != 1 {
		t.Fatalf("timer fired %d times, want 1", count)
	}
}

func TestFakeAfterFuncCanRescheduleItself(t *testing.T) {
	c := Fake(testEpoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("callback ran %d times, want 3", count)
	}
}
