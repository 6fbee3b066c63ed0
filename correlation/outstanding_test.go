package correlation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sel(plink, op, mex string) Selector {
	return Selector{PartnerLink: plink, Operation: op, MessageExchange: mex}
}

func snapshot(t *testing.T, o *OutstandingRequests) []byte {
	b, err := json.Marshal(o)
	require.NoError(t, err)
	return b
}

func Test_Register_ConflictLeavesStateUntouched(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))

	before := snapshot(t, o)

	err := o.Register("ch2", []Selector{sel("customer", "cancel", ""), sel("customer", "order", "")})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "ch1", conflict.Channel)
	require.Equal(t, before, snapshot(t, o))
}

func Test_Register_DistinctMexNamesDoNotConflict(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "first")}))
	require.NoError(t, o.Register("ch2", []Selector{sel("customer", "order", "second")}))
	require.Len(t, o.Entries, 2)
}

func Test_Register_SameChannelTwice(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))
	require.ErrorIs(t, o.Register("ch1", []Selector{sel("customer", "cancel", "")}), ErrInconsistent)
}

func Test_Associate(t *testing.T) {
	o := NewOutstandingRequests()

	require.ErrorIs(t, o.Associate("unknown", "mex1"), ErrInconsistent)

	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))
	require.NoError(t, o.Associate("ch1", "mex1"))
	require.ErrorIs(t, o.Associate("ch1", "mex2"), ErrInconsistent)
}

func Test_Release_ExactlyOnce(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))

	_, ok := o.Release("customer", "order", "")
	require.False(t, ok, "unbound registrations are not released")

	require.NoError(t, o.Associate("ch1", "mex1"))

	mex, ok := o.Release("customer", "order", "")
	require.True(t, ok)
	require.Equal(t, "mex1", mex)

	_, ok = o.Release("customer", "order", "")
	require.False(t, ok)
	require.Empty(t, o.Entries)
}

func Test_Release_AllowsRegistrationAfterReply(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))
	require.NoError(t, o.Associate("ch1", "mex1"))

	// Still bound, a second receive for the same request would be ambiguous
	require.Error(t, o.Register("ch2", []Selector{sel("customer", "order", "")}))

	_, ok := o.Release("customer", "order", "")
	require.True(t, ok)
	require.NoError(t, o.Register("ch2", []Selector{sel("customer", "order", "")}))
}

func Test_Cancel(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "")}))

	require.True(t, o.Cancel("ch1"))
	require.False(t, o.Cancel("ch1"))
	require.NoError(t, o.Register("ch2", []Selector{sel("customer", "order", "")}))
}

func Test_ReleaseAll(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "a")}))
	require.NoError(t, o.Register("ch2", []Selector{sel("customer", "order", "b")}))
	require.NoError(t, o.Register("ch3", []Selector{sel("customer", "order", "c")}))
	require.NoError(t, o.Associate("ch1", "mex1"))
	require.NoError(t, o.Associate("ch3", "mex3"))

	require.Equal(t, []string{"mex1", "mex3"}, o.ReleaseAll())
	require.Empty(t, o.Entries)
	require.Empty(t, o.ReleaseAll())
}

func Test_Unbound(t *testing.T) {
	o := NewOutstandingRequests()
	require.NoError(t, o.Register("ch1", []Selector{sel("customer", "order", "a")}))
	require.NoError(t, o.Register("ch2", []Selector{sel("customer", "order", "b")}))
	require.NoError(t, o.Associate("ch1", "mex1"))

	unbound := o.Unbound()
	require.Len(t, unbound, 1)
	require.Equal(t, "ch2", unbound[0].Channel)
}
