package gateway

import (
	"testing"
	"time"
)

func TestFrameBucketConsumesCapacity(t *testing.T) {
	b := newFrameBucket(3)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false on frame %d, want true", i)
		}
	}
	if b.Allow() {
		t.Error("Allow() = true past capacity, want false")
	}
}

func TestFrameBucketRefillsAfterOneSecond(t *testing.T) {
	now := time.Now()
	b := newFrameBucket(2)
	b.now = func() time.Time { return now }
	b.lastRefill = now

	b.Allow()
	b.Allow()
	if b.Allow() {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(time.Second)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false after refill on frame %d", i)
		}
	}
	if b.Allow() {
		t.Error("Allow() = true past refilled capacity, want false")
	}
}

func TestFrameBucketDefaultCapacity(t *testing.T) {
	b := newFrameBucket(0)
	if b.capacity != 60 {
		t.Errorf("capacity = %d, want 60", b.capacity)
	}
}
