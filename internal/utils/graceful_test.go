package utils_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/utils"
)

// TestGracefulShutdown_Order validates LIFO execution and error joining
func TestGracefulShutdown_Order(t *testing.T) {
	g := utils.NewGracefulShutdown(time.Second, nil)

	var mu sync.Mutex
	var order []string
	step := func(name string, err error) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}
	}
	storeErr := errors.New("flush failed")
	g.Register("host", step("host", nil))
	g.Register("store", step("store", storeErr))
	g.Register("coordinator", step("coordinator", nil))

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, []string{"coordinator", "store", "host"}, order)

	// second call is a no-op
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

// TestGracefulShutdown_Timeout validates the deadline
func TestGracefulShutdown_Timeout(t *testing.T) {
	g := utils.NewGracefulShutdown(20*time.Millisecond, nil)
	release := make(chan struct{})
	defer close(release)
	g.Register("stuck", func() error {
		<-release
		return nil
	})

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, common.ErrTimeout)
}
