package correlation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Correlator_RouteThenMessage(t *testing.T) {
	c := NewCorrelator(ID("customer", "confirm"))

	m, r := c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "ch1", Key: NewKey("order", "42")}})
	require.Nil(t, m)
	require.Nil(t, r)

	require.Nil(t, c.Match([]Key{NewKey("order", "7"), {}}))

	route := c.Match([]Key{NewKey("order", "42"), {}})
	require.NotNil(t, route)
	require.Equal(t, "i1", route.InstanceID)
	require.True(t, c.Empty())
}

func Test_Correlator_MessageThenRoute(t *testing.T) {
	c := NewCorrelator(ID("customer", "confirm"))

	c.Enqueue(&QueuedMessage{MexID: "mex1", Keys: []Key{NewKey("order", "42"), {}}})

	m, r := c.AddRoutes([]*Route{
		{InstanceID: "i1", Channel: "ch1", Index: 0, Key: NewKey("order", "7")},
		{InstanceID: "i1", Channel: "ch1", Index: 1, Key: NewKey("order", "42")},
	})
	require.NotNil(t, m)
	require.Equal(t, "mex1", m.MexID)
	require.Equal(t, 1, r.Index)

	// The message was consumed and no route was added
	require.True(t, c.Empty())
}

func Test_Correlator_KeysNeverHoldBoth(t *testing.T) {
	c := NewCorrelator(ID("customer", "confirm"))

	c.Enqueue(&QueuedMessage{MexID: "mex1", Keys: []Key{NewKey("order", "1")}})
	m, _ := c.AddRoutes([]*Route{{InstanceID: "i2", Channel: "ch2", Key: NewKey("order", "2")}})
	require.Nil(t, m)

	for _, r := range c.Routes {
		for _, q := range c.Messages {
			require.False(t, q.matches(r.Key))
		}
	}
}

func Test_Correlator_UncorrelatedRouteMatchesAnyMessage(t *testing.T) {
	c := NewCorrelator(ID("customer", "order"))
	c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "ch1"}})

	r := c.Match([]Key{NewKey("order", "42"), {}})
	require.NotNil(t, r)
}

func Test_Correlator_MatchRemovesPickGroup(t *testing.T) {
	c := NewCorrelator(ID("customer", "order"))
	c.AddRoutes([]*Route{
		{InstanceID: "i1", Channel: "ch1", Index: 0, Key: NewKey("order", "1")},
		{InstanceID: "i1", Channel: "ch1", Index: 1, Key: NewKey("order", "2")},
		{InstanceID: "i2", Channel: "ch1", Index: 0, Key: NewKey("order", "3")},
	})

	r := c.Match([]Key{NewKey("order", "2")})
	require.Equal(t, 1, r.Index)
	require.Len(t, c.Routes, 1)
	require.Equal(t, "i2", c.Routes[0].InstanceID)
}

func Test_Correlator_RemoveInstance(t *testing.T) {
	c := NewCorrelator(ID("customer", "order"))
	c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "ch1"}})
	c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "ch2"}})
	c.AddRoutes([]*Route{{InstanceID: "i2", Channel: "ch1"}})

	require.Equal(t, 2, c.RemoveInstance("i1"))
	require.Len(t, c.Routes, 1)
}

func TestKey_String(t *testing.T) {
	require.Equal(t, "*", Key{}.String())
	require.Equal(t, `order("42","eu")`, NewKey("order", "42", "eu").String())
	require.True(t, NewKey("order", "42").Equal(NewKey("order", "42")))
}

func Test_Key_Equal(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Key
		equal bool
	}{
		{"same", NewKey("order", "42"), NewKey("order", "42"), true},
		{"zero", Key{}, Key{}, true},
		{"different set", NewKey("order", "42"), NewKey("invoice", "42"), false},
		{"comma in value", NewKey("order", "a,b"), NewKey("order", "a", "b"), false},
		{"parenthesis in value", NewKey("order", "a)b"), NewKey("order", "a", "b"), false},
		{"prefix", NewKey("order", "a"), NewKey("order", "a", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.equal, tt.a.Equal(tt.b))
			require.Equal(t, tt.equal, tt.b.Equal(tt.a))
		})
	}
}

func Test_Key_String(t *testing.T) {
	require.Equal(t, "*", Key{}.String())
	require.Equal(t, `order("a,b")`, NewKey("order", "a,b").String())
	require.NotEqual(t, NewKey("order", "a,b").String(), NewKey("order", "a", "b").String())
}

func Test_Correlator_ValueWithSeparator(t *testing.T) {
	c := NewCorrelator(ID("customer", "confirm"))

	_, _ = c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "ch1", Key: NewKey("order", "a", "b")}})

	require.Nil(t, c.Match([]Key{NewKey("order", "a,b")}))

	route := c.Match([]Key{NewKey("order", "a", "b")})
	require.NotNil(t, route)
	require.Equal(t, "i1", route.InstanceID)
}

func Test_Correlator_Clone(t *testing.T) {
	c := NewCorrelator("p.op")
	c.AddRoutes([]*Route{{InstanceID: "i1", Channel: "c1", Key: NewKey("order", "1")}})
	c.Enqueue(&QueuedMessage{MexID: "m1", Keys: []Key{NewKey("order", "2")}})

	cc := c.Clone()

	require.NotNil(t, c.Match([]Key{NewKey("order", "1")}))
	m, _ := c.AddRoutes([]*Route{{InstanceID: "i2", Channel: "c2", Key: NewKey("order", "2")}})
	require.NotNil(t, m)
	require.True(t, c.Empty())

	require.Len(t, cc.Routes, 1)
	require.Len(t, cc.Messages, 1)
	require.Equal(t, "m1", cc.Messages[0].MexID)
}
