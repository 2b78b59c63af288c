package library

import (
	"testing"
	"time"
)

func TestKeyLocksSeparateKeysWithSeparators(t *testing.T) {
	locks := newKeyLocks()
	unlockA := locks.Lock(Key{AgentID: "a|b"})
	defer unlockA()

	acquired := make(chan func())
	go func() { acquired <- locks.Lock(Key{AgentID: "a", BaseID: "b"}) }()
	select {
	case unlockB := <-acquired:
		unlockB()
	case <-time.After(time.Second):
		t.Fatal("distinct keys share a lock")
	}
	if locks.size() != 1 {
		t.Fatalf("lock table size = %d, want 1", locks.size())
	}
}

func TestKeyLocksSerializeSameKey(t *testing.T) {
	locks := newKeyLocks()
	key := Key{AgentID: "a", RunID: "r"}
	unlock := locks.Lock(key)

	acquired := make(chan func())
	go func() { acquired <- locks.Lock(key) }()
	select {
	case <-acquired:
		t.Fatal("second holder entered while the key was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	(<-acquired)()
	if locks.size() != 0 {
		t.Fatalf("lock table leaked %d entries", locks.size())
	}
}
