package process

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cschleiden/go-bpm/internal/metrics"
	"github.com/stretchr/testify/require"
)

func loadOrder(t *testing.T) *Process {
	p, err := LoadFile("testdata/order.yaml")
	require.NoError(t, err)
	require.NoError(t, p.Compile(NewEvaluator()))
	return p
}

func Test_LoadFile(t *testing.T) {
	p := loadOrder(t)

	require.Equal(t, "order", p.ID)
	require.Equal(t, 2, p.FailureHandling.RetryFor)
	require.Equal(t, 10*time.Second, p.FailureHandling.RetryDelay)

	ship, ok := p.ActivityByID("ship")
	require.True(t, ok)
	require.Equal(t, KindInvoke, ship.Kind)
	require.Equal(t, "fulfil", p.Parent("ship").ID)
	require.Nil(t, p.Parent("main"))

	require.True(t, p.CreatesInstance("customer", "order"))
	require.False(t, p.CreatesInstance("customer", "confirm"))
	require.True(t, p.Receives("customer", "order"))
	require.Equal(t, "msg.orderId", p.Property("orderId").Alias("customer", "order").Query)
}

func Test_Load_UnknownField(t *testing.T) {
	_, err := Load(strings.NewReader("id: x\nactivty: {}\n"))
	require.Error(t, err)
}

func Test_Compile_AssignsIDs(t *testing.T) {
	p := &Process{
		ID:           "p",
		PartnerLinks: []*PartnerLink{{Name: "customer"}},
		Activity: &Activity{
			Kind: KindSequence,
			Activities: []*Activity{
				{Kind: KindReceive, PartnerLink: "customer", Operation: "start", CreateInstance: true},
				{Kind: KindEmpty},
			},
		},
	}

	require.NoError(t, p.Compile(NewEvaluator()))
	require.Equal(t, "sequence1", p.Activity.ID)
	require.Equal(t, "receive2", p.Activity.Activities[0].ID)
	require.Equal(t, "empty3", p.Activity.Activities[1].ID)
	require.Equal(t, "sequence1", p.Parent("empty3").ID)
}

func Test_Compile_Errors(t *testing.T) {
	start := func() *Activity {
		return &Activity{Kind: KindReceive, PartnerLink: "customer", Operation: "start", CreateInstance: true}
	}

	tests := []struct {
		name    string
		root    *Activity
		message string
	}{
		{
			name:    "no create instance",
			root:    &Activity{Kind: KindEmpty},
			message: "no activity creates an instance",
		},
		{
			name: "duplicate ids",
			root: &Activity{Kind: KindSequence, Activities: []*Activity{
				start(), {ID: "x", Kind: KindEmpty}, {ID: "x", Kind: KindEmpty},
			}},
			message: `duplicate activity id "x"`,
		},
		{
			name: "undeclared link",
			root: &Activity{Kind: KindSequence, Activities: []*Activity{
				start(), {Kind: KindEmpty, Sources: []*Source{{Link: "l"}}},
			}},
			message: `link "l" is not declared`,
		},
		{
			name: "link without target",
			root: &Activity{Kind: KindFlow, Links: []string{"l"}, Activities: []*Activity{
				start(), {Kind: KindEmpty, Sources: []*Source{{Link: "l"}}},
			}},
			message: `link "l" has no target`,
		},
		{
			name: "unknown partner link",
			root: &Activity{Kind: KindSequence, Activities: []*Activity{
				start(), {Kind: KindInvoke, PartnerLink: "nobody", Operation: "x"},
			}},
			message: `unknown partner link "nobody"`,
		},
		{
			name: "bad condition",
			root: &Activity{Kind: KindSequence, Activities: []*Activity{
				start(), {Kind: KindIf, Condition: "a ==", Then: &Activity{Kind: KindEmpty}},
			}},
			message: "compiling",
		},
		{
			name: "unknown kind",
			root: &Activity{Kind: KindSequence, Activities: []*Activity{
				start(), {Kind: "compensate"},
			}},
			message: `unknown kind "compensate"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Process{
				ID:           "p",
				PartnerLinks: []*PartnerLink{{Name: "customer"}},
				Activity:     tt.root,
			}

			err := p.Compile(NewEvaluator())
			require.ErrorIs(t, err, ErrInvalidProcess)
			require.Contains(t, err.Error(), tt.message)
		})
	}
}

func Test_Evaluator(t *testing.T) {
	e := NewEvaluator()

	v, err := e.Eval("order.amount * 2", map[string]any{"order": map[string]any{"amount": 21}})
	require.NoError(t, err)
	require.Equal(t, 42, v)

	ok, err := e.EvalBool("", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.EvalBool("a || b", map[string]any{"a": false, "b": true})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.EvalBool("1 + 1", nil)
	require.Error(t, err)
}

func Test_Registry(t *testing.T) {
	r := NewRegistry(NewEvaluator())

	p, err := LoadFile("testdata/order.yaml")
	require.NoError(t, err)
	require.NoError(t, r.Deploy(p))

	got, err := r.Process(context.Background(), "order")
	require.NoError(t, err)
	require.Same(t, p, got)

	_, err = r.Process(context.Background(), "missing")
	require.ErrorIs(t, err, ErrProcessNotFound)

	require.Len(t, r.ForOperation("customer", "order"), 1)
	require.Empty(t, r.ForOperation("customer", "unknown"))

	r.Undeploy("order")
	_, err = r.Process(context.Background(), "order")
	require.ErrorIs(t, err, ErrProcessNotFound)
}

func Test_DirProvider(t *testing.T) {
	d := NewDirProvider("testdata", NewEvaluator())

	ps, err := d.Processes(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 1)

	p, err := d.Process(context.Background(), "order")
	require.NoError(t, err)
	require.Equal(t, "order", p.ID)
}

type countingProvider struct {
	Provider
	calls int
}

func (c *countingProvider) Process(ctx context.Context, id string) (*Process, error) {
	c.calls++
	return c.Provider.Process(ctx, id)
}

func Test_CachingProvider(t *testing.T) {
	inner := &countingProvider{Provider: NewDirProvider("testdata", NewEvaluator())}
	cp := NewCachingProvider(inner, metrics.NewNoopMetricsClient(), 10, time.Minute)

	for i := 0; i < 3; i++ {
		p, err := cp.Process(context.Background(), "order")
		require.NoError(t, err)
		require.Equal(t, "order", p.ID)
	}

	require.Equal(t, 1, inner.calls)
}
