package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCircuit() *Circuit {
	return &Circuit{
		ID: "c1",
		Members: []Node{
			{ID: "alpha", Endpoints: []string{"tcp://10.0.0.1:8044"}},
			{ID: "beta", Endpoints: []string{"tcp://10.0.0.2:8044"}},
		},
		Services: []Service{
			{ID: "a000", ServiceType: "scabbard", NodeID: "alpha"},
			{ID: "b000", ServiceType: "scabbard", NodeID: "beta"},
		},
		ManagementType: "gameroom",
	}
}

func TestCircuitValidate(t *testing.T) {
	require.NoError(t, testCircuit().Validate(false))

	tests := []struct {
		name   string
		mutate func(c *Circuit)
	}{
		{"empty id", func(c *Circuit) { c.ID = "" }},
		{"bad relaxed id", func(c *Circuit) { c.ID = "has space" }},
		{"no management type", func(c *Circuit) { c.ManagementType = "" }},
		{"no members", func(c *Circuit) { c.Members = nil }},
		{"empty member id", func(c *Circuit) { c.Members[0].ID = "" }},
		{"duplicate member", func(c *Circuit) { c.Members[1].ID = "alpha" }},
		{"no endpoints", func(c *Circuit) { c.Members[0].Endpoints = nil }},
		{"shared endpoint", func(c *Circuit) { c.Members[1].Endpoints = c.Members[0].Endpoints }},
		{"no services", func(c *Circuit) { c.Services = nil }},
		{"empty service id", func(c *Circuit) { c.Services[0].ID = "" }},
		{"duplicate service", func(c *Circuit) { c.Services[1].ID = "a000" }},
		{"service on non-member", func(c *Circuit) { c.Services[0].NodeID = "gamma" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCircuit()
			tt.mutate(c)
			err := c.Validate(false)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCircuit)
		})
	}
}

func TestValidCircuitID(t *testing.T) {
	assert.True(t, ValidCircuitID("abcDE-F0123"))
	assert.False(t, ValidCircuitID("abcDEF0123"))
	assert.False(t, ValidCircuitID("abcD-F01234"))
	assert.False(t, ValidCircuitID("abc_E-F0123"))

	c := testCircuit()
	assert.Error(t, c.Validate(true))
	c.ID = "abcDE-F0123"
	assert.NoError(t, c.Validate(true))
}

func TestCircuitEqualIgnoresStatus(t *testing.T) {
	a := testCircuit()
	b := a.Clone()
	b.Status = CircuitDisbanded
	assert.True(t, a.Equal(b))

	b.Members[0].Endpoints[0] = "tcp://10.0.0.9:8044"
	assert.False(t, a.Equal(b))
	assert.Equal(t, "tcp://10.0.0.1:8044", a.Members[0].Endpoints[0], "clone must not share endpoint slices")
}

func TestCircuitLookups(t *testing.T) {
	c := testCircuit()
	assert.Equal(t, []NodeID{"alpha", "beta"}, c.MemberIDs())
	assert.True(t, c.HasMember("beta"))
	assert.False(t, c.HasMember("gamma"))

	svc, ok := c.Service("b000")
	require.True(t, ok)
	assert.Equal(t, NodeID("beta"), svc.NodeID)
}

func TestStatusText(t *testing.T) {
	var s CircuitStatus
	require.NoError(t, s.UnmarshalText([]byte("disbanded")))
	assert.Equal(t, CircuitDisbanded, s)
	assert.Error(t, s.UnmarshalText([]byte("paused")))

	assert.True(t, ProposalCommitted.Terminal())
	assert.False(t, ProposalAwaitingVotes.Terminal())
}
