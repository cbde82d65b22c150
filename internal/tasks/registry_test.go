package tasks

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
)

func noop(context.Context, *Context) (domain.Params, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	Register("registry_test_alpha", noop)
	fn, ok := Lookup("registry_test_alpha")
	require.True(t, ok)
	assert.NotNil(t, fn)

	_, ok = Lookup("registry_test_never_registered")
	assert.False(t, ok)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("registry_test_dup", noop)
	assert.Panics(t, func() { Register("registry_test_dup", noop) })
}

func TestRegisteredIsSorted(t *testing.T) {
	Register("registry_test_zz", noop)
	Register("registry_test_aa", noop)

	types := Registered()
	assert.True(t, sort.StringsAreSorted(types))
	assert.Contains(t, types, "registry_test_aa")
	assert.Contains(t, types, "registry_test_zz")
}
