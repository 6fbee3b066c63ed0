package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type reactFunc func(th *Thread, f *Frame, in *Input) error

type testProgram struct {
	activities map[string]reactFunc
	trace      []string
	uncaught   []any
}

func (p *testProgram) React(th *Thread, f *Frame, in *Input) error {
	p.trace = append(p.trace, f.Activity)
	return p.activities[f.Activity](th, f, in)
}

func (p *testProgram) Uncaught(th *Thread, f *Frame, r any) error {
	p.uncaught = append(p.uncaught, r)
	th.Finish()
	return nil
}

func Test_Execute_FIFO(t *testing.T) {
	p := &testProgram{activities: map[string]reactFunc{
		"parent": func(th *Thread, f *Frame, in *Input) error {
			if _, err := th.Spawn("a", nil); err != nil {
				return err
			}

			if _, err := th.Spawn("b", nil); err != nil {
				return err
			}

			th.Finish()
			return nil
		},
		"a": func(th *Thread, f *Frame, in *Input) error { th.Finish(); return nil },
		"b": func(th *Thread, f *Frame, in *Input) error { th.Finish(); return nil },
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("parent", 0, nil)
	require.NoError(t, err)

	res, err := v.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, res.Pending)
	require.Equal(t, 3, res.Reactions)
	require.Equal(t, []string{"parent", "a", "b"}, p.trace)
	require.Empty(t, v.Soup().Frames)
}

func Test_Wait_ReceivesLaterSend(t *testing.T) {
	var got string
	var ch string

	p := &testProgram{activities: map[string]reactFunc{
		"receiver": func(th *Thread, f *Frame, in *Input) error {
			if in == nil {
				ch = th.NewChannel("response")
				return th.Wait(ch)
			}

			var s string
			require.NoError(t, in.Message.Decode(&s))
			got = s
			th.Finish()
			return nil
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("receiver", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, v.Soup().Frames, 1)

	m, err := NewMessage("response", "hello")
	require.NoError(t, err)
	require.NoError(t, v.Deliver(ch, m))

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
	require.Empty(t, v.Soup().Frames)
	require.Empty(t, v.Soup().Channels)
}

func Test_Wait_ConsumesBufferedMessage(t *testing.T) {
	var inputs []string

	p := &testProgram{activities: map[string]reactFunc{
		"reader": func(th *Thread, f *Frame, in *Input) error {
			if in != nil {
				inputs = append(inputs, in.Channel)
				th.Finish()
				return nil
			}

			a := th.NewChannel("a")
			b := th.NewChannel("b")
			require.NoError(t, th.Send(b, &Message{Kind: "b"}))

			return th.Wait(a, b)
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("reader", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
}

func Test_Select_FirstDeliveryWins(t *testing.T) {
	var channels []string
	var a, b string

	p := &testProgram{activities: map[string]reactFunc{
		"pick": func(th *Thread, f *Frame, in *Input) error {
			if in == nil {
				a = th.NewChannel("a")
				b = th.NewChannel("b")
				return th.Wait(a, b)
			}

			channels = append(channels, in.Channel)
			return th.Wait(a, b)
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("pick", 0, nil)
	require.NoError(t, err)
	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, v.Deliver(b, &Message{Kind: "b"}))
	require.NoError(t, v.Deliver(a, &Message{Kind: "a"}))

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)

	// b enabled the frame, which removed the registration on a. The message
	// for a was buffered and consumed by the next wait.
	require.Equal(t, []string{b, a}, channels)
}

func Test_Deliver_StaleChannel(t *testing.T) {
	v := New(NewSoup(), &testProgram{})

	err := v.Deliver("ch42", &Message{Kind: "response"})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func Test_Finish_RemovesOwnedChannels(t *testing.T) {
	var owned, shared string

	p := &testProgram{activities: map[string]reactFunc{
		"parent": func(th *Thread, f *Frame, in *Input) error {
			if in != nil {
				th.Finish()
				return nil
			}

			shared = th.NewChannel("completion")
			if _, err := th.Spawn("child", shared); err != nil {
				return err
			}

			return th.Wait(shared)
		},
		"child": func(th *Thread, f *Frame, in *Input) error {
			var completion string
			require.NoError(t, th.State(&completion))

			owned = th.NewChannel("response")
			require.NoError(t, th.Send(completion, &Message{Kind: "done"}))
			th.Finish()
			return nil
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("parent", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)

	require.NotContains(t, v.Soup().Channels, owned)
	require.NotContains(t, v.Soup().Channels, shared)
	require.Empty(t, v.Soup().Frames)
}

func Test_Execute_BudgetExhausted(t *testing.T) {
	c := clock.NewMock()

	p := &testProgram{activities: map[string]reactFunc{
		"loop": func(th *Thread, f *Frame, in *Input) error {
			c.Add(time.Second)
			th.Continue()
			return nil
		},
	}}

	v := New(NewSoup(), p, WithClock(c))
	_, err := v.Inject("loop", 0, nil)
	require.NoError(t, err)

	res, err := v.Execute(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Equal(t, 3, res.Reactions)
	require.Len(t, v.Soup().Queue, 1)
}

func Test_Execute_PanicIsHandedToProgram(t *testing.T) {
	p := &testProgram{activities: map[string]reactFunc{
		"panics": func(th *Thread, f *Frame, in *Input) error {
			panic("boom")
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("panics", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, []any{"boom"}, p.uncaught)
	require.Empty(t, v.Soup().Frames)
}

func Test_Execute_ErrorAborts(t *testing.T) {
	errInfra := errors.New("db down")

	p := &testProgram{activities: map[string]reactFunc{
		"fails": func(th *Thread, f *Frame, in *Input) error {
			return errInfra
		},
	}}

	v := New(NewSoup(), p)
	_, err := v.Inject("fails", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.ErrorIs(t, err, errInfra)
}

type stateProgram struct {
	testProgram
	uncaughtState string
}

func (p *stateProgram) Uncaught(th *Thread, f *Frame, r any) error {
	p.uncaughtState = string(f.State)
	return p.testProgram.Uncaught(th, f, r)
}

func Test_Execute_PanicDiscardsPartialEffects(t *testing.T) {
	var shared string

	p := &stateProgram{testProgram: testProgram{activities: map[string]reactFunc{
		"setup": func(th *Thread, f *Frame, in *Input) error {
			shared = th.NewSharedChannel("shared", 0)
			th.Finish()
			return nil
		},
		"parent": func(th *Thread, f *Frame, in *Input) error {
			if err := th.SetState(map[string]int{"step": 2}); err != nil {
				return err
			}

			if _, err := th.Spawn("child", nil); err != nil {
				return err
			}

			th.NewChannel("private")

			if err := th.SendValue(shared, "partial", nil); err != nil {
				return err
			}

			panic("boom")
		},
		"child": func(th *Thread, f *Frame, in *Input) error {
			th.Finish()
			return nil
		},
	}}}

	v := New(NewSoup(), p)
	_, err := v.Inject("setup", 0, nil)
	require.NoError(t, err)
	_, err = v.Inject("parent", 0, map[string]int{"step": 1})
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)

	// The child spawned by the failed reaction never runs
	require.Equal(t, []string{"setup", "parent"}, p.trace)
	require.Equal(t, []any{"boom"}, p.uncaught)
	require.JSONEq(t, `{"step":1}`, p.uncaughtState)

	require.Empty(t, v.Soup().Frames)
	require.Len(t, v.Soup().Channels, 1)
	require.Empty(t, v.Soup().Channels[shared].Messages)
	require.True(t, v.Soup().Idle())
}

type checkpointProgram struct {
	testProgram
	counter  int
	restored int
}

func (p *checkpointProgram) Checkpoint() (func(), error) {
	saved := p.counter
	return func() {
		p.counter = saved
		p.restored++
	}, nil
}

func Test_Execute_PanicRestoresProgramCheckpoint(t *testing.T) {
	p := &checkpointProgram{}
	p.activities = map[string]reactFunc{
		"counts": func(th *Thread, f *Frame, in *Input) error {
			p.counter++
			th.Finish()
			return nil
		},
		"panics": func(th *Thread, f *Frame, in *Input) error {
			p.counter += 10
			panic("boom")
		},
	}

	v := New(NewSoup(), p)
	_, err := v.Inject("counts", 0, nil)
	require.NoError(t, err)
	_, err = v.Inject("panics", 0, nil)
	require.NoError(t, err)

	_, err = v.Execute(context.Background(), time.Second)
	require.NoError(t, err)

	require.Equal(t, 1, p.counter)
	require.Equal(t, 1, p.restored)
}
