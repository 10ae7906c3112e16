package strategies_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

type stubStrategy struct {
	strategies.SaveStrategyBase
}

func newStub(backend string, version int) *stubStrategy {
	return &stubStrategy{
		SaveStrategyBase: strategies.SaveStrategyBase{
			Name:           "StubStrategy",
			BackendName:    backend,
			BackendVersion: version,
		},
	}
}

func TestRegisterThenResolveReturnsSameInstance(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "test", 1)
	s := newStub("test", 1)

	r.Register(id, s)

	got, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestResolveUnknownBackend(t *testing.T) {
	r := strategies.NewRegistry()

	_, err := r.Resolve(strategies.NewID(strategies.ActionSaveSharded, "nowhere", 1))

	assert.ErrorIs(t, err, strategies.ErrStrategyNotFound)
	var se *strategies.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "resolve", se.Op)
	assert.Equal(t, "nowhere", se.ID.Backend)
}

func TestResolveInvalidAction(t *testing.T) {
	r := strategies.NewRegistry()

	_, err := r.Resolve(strategies.NewID("compress", "test", 1))

	assert.ErrorIs(t, err, strategies.ErrStrategyNotFound)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestLastRegistrationWins(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "test", 1)
	first := newStub("test", 1)
	second := newStub("test", 1)

	r.Register(id, first)
	r.Register(id, second)

	got, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.NotSame(t, first, got)
}

func TestResolveTriggersLazyActivation(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "lazy", 1)
	s := newStub("lazy", 1)

	var calls atomic.Int32
	r.RegisterBackend("lazy", "", func(reg *strategies.Registry) error {
		calls.Add(1)
		reg.Register(id, s)
		return nil
	})

	// Nothing registered until the first lookup.
	assert.Equal(t, 0, r.Len())

	got, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, int32(1), calls.Load())

	// Subsequent resolves hit the table, not the activation routine.
	_, err = r.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestActivationNotRerunForMissingAction(t *testing.T) {
	r := strategies.NewRegistry()
	registered := strategies.NewID(strategies.ActionSaveCommon, "partial", 1)

	var calls atomic.Int32
	r.RegisterBackend("partial", "", func(reg *strategies.Registry) error {
		calls.Add(1)
		reg.Register(registered, newStub("partial", 1))
		return nil
	})

	// Asking for an action the backend never registers: activation runs
	// once, then the exact-triple miss surfaces as StrategyNotFound.
	missing := strategies.NewID(strategies.ActionSaveSharded, "partial", 1)
	_, err := r.Resolve(missing)
	assert.ErrorIs(t, err, strategies.ErrStrategyNotFound)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.Resolve(missing)
	assert.ErrorIs(t, err, strategies.ErrStrategyNotFound)
	assert.Equal(t, int32(1), calls.Load())

	// The action it did register resolves fine.
	_, err = r.Resolve(registered)
	assert.NoError(t, err)
}

func TestFailedActivationCarriesHint(t *testing.T) {
	r := strategies.NewRegistry()
	cause := errors.New("libzarr.so not found")
	r.RegisterBackend("zarr", "install the zarr extension to use this backend", func(*strategies.Registry) error {
		return cause
	})

	_, err := r.Resolve(strategies.NewID(strategies.ActionLoadSharded, "zarr", 1))

	assert.ErrorIs(t, err, strategies.ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "install the zarr extension")

	var se *strategies.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "zarr", se.ID.Backend)
	assert.Equal(t, strategies.ActionLoadSharded, se.ID.Action)
}

func TestFailedActivationIsRetried(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "flaky", 1)
	s := newStub("flaky", 1)

	var calls atomic.Int32
	r.RegisterBackend("flaky", "retry after installing the backend", func(reg *strategies.Registry) error {
		if calls.Add(1) == 1 {
			return errors.New("dependency missing")
		}
		reg.Register(id, s)
		return nil
	})

	_, err := r.Resolve(id)
	assert.ErrorIs(t, err, strategies.ErrBackendUnavailable)

	got, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConcurrentResolveActivatesOnce(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "race", 1)

	var calls atomic.Int32
	r.RegisterBackend("race", "", func(reg *strategies.Registry) error {
		calls.Add(1)
		reg.Register(id, newStub("race", 1))
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestHasDoesNotActivate(t *testing.T) {
	r := strategies.NewRegistry()
	id := strategies.NewID(strategies.ActionSaveSharded, "quiet", 1)

	var calls atomic.Int32
	r.RegisterBackend("quiet", "", func(reg *strategies.Registry) error {
		calls.Add(1)
		return nil
	})

	assert.False(t, r.Has(id))
	assert.Equal(t, int32(0), calls.Load())
}

func TestKeysAndLen(t *testing.T) {
	r := strategies.NewRegistry()
	a := strategies.NewID(strategies.ActionSaveCommon, "test", 1)
	b := strategies.NewID(strategies.ActionLoadCommon, "test", 1)

	r.Register(a, newStub("test", 1))
	r.Register(b, newStub("test", 1))

	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []strategies.ID{a, b}, r.Keys())
}

func TestDefaultRegistry(t *testing.T) {
	// The default registry is process-wide; use an identity no builtin
	// backend claims.
	id := strategies.NewID(strategies.ActionSaveSharded, "default-registry-test", 99)
	s := newStub("default-registry-test", 99)

	strategies.Register(id, s)

	got, err := strategies.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.True(t, strategies.Default().Has(id))
}
