package utxolock

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryLockAllOrNothing(t *testing.T) {
	r := NewRegistry()

	a := Outpoint{Currency: "BLOCK", TxID: "aa", Vout: 0}
	b := Outpoint{Currency: "BLOCK", TxID: "bb", Vout: 1}
	c := Outpoint{Currency: "LTC", TxID: "cc", Vout: 0}

	assert.True(t, r.TryLock([]Outpoint{a, b}))
	assert.True(t, r.IsLocked(a))
	assert.True(t, r.IsLocked(b))

	// overlapping set must fail atomically: c stays unlocked
	assert.False(t, r.TryLock([]Outpoint{b, c}))
	assert.False(t, r.IsLocked(c))

	r.Unlock([]Outpoint{a, b})
	assert.True(t, r.TryLock([]Outpoint{b, c}))
}

func TestSameTxidDifferentVout(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.TryLock([]Outpoint{{Currency: "BLOCK", TxID: "aa", Vout: 0}}))
	assert.True(t, r.TryLock([]Outpoint{{Currency: "BLOCK", TxID: "aa", Vout: 1}}))
	// same outpoint on a different chain is a different reservation
	assert.True(t, r.TryLock([]Outpoint{{Currency: "LTC", TxID: "aa", Vout: 0}}))
}

func TestConcurrentTryLock(t *testing.T) {
	r := NewRegistry()

	shared := []Outpoint{
		{Currency: "BLOCK", TxID: "aa", Vout: 0},
		{Currency: "BLOCK", TxID: "aa", Vout: 1},
	}

	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if r.TryLock(shared) {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 2, r.Count())
}

func TestUnlockUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Unlock([]Outpoint{{Currency: "BLOCK", TxID: "zz", Vout: 9}})
	assert.Equal(t, 0, r.Count())
}

func TestOutpointString(t *testing.T) {
	o := Outpoint{Currency: "BLOCK", TxID: "ab", Vout: 2}
	assert.Equal(t, fmt.Sprintf("%s:%s:%d", "BLOCK", "ab", 2), o.String())
}
