package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

func TestStateFirstResolveWins(t *testing.T) {
	st := reconcile.NewState()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := checkout.StatusCompleted
			if i%2 == 1 {
				status = checkout.StatusFailed
			}
			if st.Resolve(reconcile.Resolution{Status: status}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	<-st.Done()
	_, ok := st.Resolution()
	require.True(t, ok)
}

func TestStateApplyRollsBack(t *testing.T) {
	st := reconcile.NewState()
	st.SetPhase(reconcile.PhaseAwaitingPayment)

	err := st.Apply(context.Background(), reconcile.PhaseCreatingOrder, func(context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, reconcile.PhaseAwaitingPayment, st.Phase())

	require.NoError(t, st.Apply(context.Background(), reconcile.PhaseCreatingOrder, func(context.Context) error { return nil }))
	require.Equal(t, reconcile.PhaseCreatingOrder, st.Phase())
}

func TestStateLatches(t *testing.T) {
	st := reconcile.NewState()

	require.True(t, st.MarkReported())
	require.False(t, st.MarkReported())

	require.True(t, st.TryBeginCreate())
	require.False(t, st.TryBeginCreate())
	require.True(t, st.Busy())
	st.EndCreate()
	require.False(t, st.Busy())

	st.SetRedirecting(true)
	require.True(t, st.Busy())

	st.Reset()
	require.False(t, st.Busy())
	require.False(t, st.Resolved())
	require.True(t, st.MarkReported())
	require.Equal(t, reconcile.PhaseIdle, st.Phase())
}
