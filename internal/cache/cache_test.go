package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
)

func TestNew_EmptyAddrReturnsNilCache(t *testing.T) {
	c := New(config.CacheConfig{})
	assert.Nil(t, c)
}

func TestNilCache_GetJSONReturnsMiss(t *testing.T) {
	var c *Cache
	var dest string
	err := c.GetJSON(nil, "k", &dest) //nolint:staticcheck // nil ctx fine: nil receiver never touches it
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNilCache_SetJSONIsNoop(t *testing.T) {
	var c *Cache
	err := c.SetJSON(nil, "k", "v", time.Second) //nolint:staticcheck
	assert.NoError(t, err)
}

func TestQueryEmbeddingKey_ScopedByModel(t *testing.T) {
	a := QueryEmbeddingKey("model-a", "hello")
	b := QueryEmbeddingKey("model-b", "hello")
	assert.NotEqual(t, a, b)
}

func TestSuggestedQuestionsKey_ScopedByUser(t *testing.T) {
	a := SuggestedQuestionsKey("user-1", "hello")
	b := SuggestedQuestionsKey("user-2", "hello")
	assert.NotEqual(t, a, b)
}

func TestInFlightSet_SecondEntrantWaitsForLeader(t *testing.T) {
	s := NewInFlightSet()

	leader, _ := s.Enter("k")
	assert.True(t, leader)

	follower, wait := s.Enter("k")
	assert.False(t, follower)

	select {
	case <-wait:
		t.Fatal("wait closed before Done was called")
	default:
	}

	s.Done("k")

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait never closed after Done")
	}
}

func TestInFlightSet_DoneReleasesKeyForReentry(t *testing.T) {
	s := NewInFlightSet()

	leader, _ := s.Enter("k")
	assert.True(t, leader)
	s.Done("k")

	leaderAgain, _ := s.Enter("k")
	assert.True(t, leaderAgain, "key must be reusable once the prior leader calls Done")
}

func TestInFlightSet_ConcurrentEntrantsExactlyOneLeader(t *testing.T) {
	s := NewInFlightSet()

	const n = 20
	var leaders int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			leader, wait := s.Enter("shared")
			if leader {
				mu.Lock()
				leaders++
				mu.Unlock()
				defer s.Done("shared")
			} else {
				<-wait
			}
		}()
	}

	wg.Wait()
	assert.EqualValues(t, 1, leaders)
}
