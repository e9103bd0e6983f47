package cloudstack

import (
	gocontext "context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleCache_PutGetInvalidate(t *testing.T) {
	rc := NewRuleCache(nil)

	rules := []IPForwardingRule{{ID: "1", StartPort: 22}}
	rc.Put("54", rules)
	rules[0].StartPort = 80

	got, err := rc.Get(gocontext.TODO(), "54")
	require.Nil(t, err)
	assert.Equal(t, 22, got[0].StartPort)
	assert.Equal(t, 1, rc.Len())

	rc.Invalidate("54")
	assert.Equal(t, 0, rc.Len())

	got, err = rc.Get(gocontext.TODO(), "54")
	require.Nil(t, err)
	assert.Nil(t, got)
}

func TestRuleCache_LoadsOnMissOnce(t *testing.T) {
	var loads int32
	release := make(chan struct{})

	rc := NewRuleCache(func(ctx gocontext.Context, vmID ID) ([]IPForwardingRule, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []IPForwardingRule{{ID: "66", VirtualMachineID: vmID}}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rules, err := rc.Get(gocontext.TODO(), "54")
			assert.Nil(t, err)
			assert.Len(t, rules, 1)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	_, err := rc.Get(gocontext.TODO(), "54")
	require.Nil(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestRuleCache_LoadError(t *testing.T) {
	rc := NewRuleCache(func(gocontext.Context, ID) ([]IPForwardingRule, error) {
		return nil, errors.New("boom")
	})

	_, err := rc.Get(gocontext.TODO(), "54")
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 0, rc.Len())
}
