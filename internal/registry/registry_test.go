package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/switchboard/adapters/openai"
	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
)

func desc(name string, models ...string) *adapter.Descriptor {
	return &adapter.Descriptor{Name: name, Type: openai.AdapterName, Models: models}
}

func TestLookupPreservesRegistrationOrder(t *testing.T) {
	r := New()
	r.Register(desc("primary", "gpt-4o"), openai.New())
	r.Register(desc("fallback", "gpt-4o"), openai.New())

	candidates, err := r.Lookup("gpt-4o")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "primary", candidates[0].Descriptor.Name)
	assert.Equal(t, "fallback", candidates[1].Descriptor.Name)
}

func TestLookupUnknownModel(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	ge, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindModelNotFound, ge.Kind)
}

func TestRemoveProvider(t *testing.T) {
	r := New()
	r.Register(desc("primary", "gpt-4o"), openai.New())
	r.Register(desc("fallback", "gpt-4o"), openai.New())

	r.Remove("primary")

	candidates, err := r.Lookup("gpt-4o")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "fallback", candidates[0].Descriptor.Name)

	r.Remove("fallback")
	_, err = r.Lookup("gpt-4o")
	assert.Error(t, err)
}

func TestReregisterReplaces(t *testing.T) {
	r := New()
	r.Register(desc("p", "m1"), openai.New())
	r.Register(desc("p", "m2"), openai.New())

	_, err := r.Lookup("m1")
	assert.Error(t, err)
	_, err = r.Lookup("m2")
	assert.NoError(t, err)
	assert.Equal(t, []string{"p"}, r.Providers())
}

func TestLookupReturnsSnapshot(t *testing.T) {
	r := New()
	r.Register(desc("primary", "gpt-4o"), openai.New())

	candidates, err := r.Lookup("gpt-4o")
	require.NoError(t, err)

	// Removal after lookup must not disturb the holder's view.
	r.Remove("primary")
	assert.Equal(t, "primary", candidates[0].Descriptor.Name)
}
