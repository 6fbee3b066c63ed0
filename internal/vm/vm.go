package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/log"
)

// Input is what a frame is resumed with. Input is nil when a frame runs for the
// first time or was continued without a message.
type Input struct {
	Channel string
	Message *Message
}

// Program gives meaning to frames. The VM only schedules; all activity
// behavior lives behind this interface.
type Program interface {
	// React runs one reaction of the given frame. Returned errors are
	// infrastructure errors and abort the whole execution.
	React(t *Thread, f *Frame, in *Input) error

	// Uncaught is called when React panics. It converts the panic into the
	// activity fault protocol, typically by completing the frame with a fault.
	Uncaught(t *Thread, f *Frame, r any) error
}

// Checkpointer is implemented by programs that keep state outside the soup.
// Checkpoint is taken before every reaction; the returned function undoes
// everything the reaction changed and is called if it panics.
type Checkpointer interface {
	Checkpoint() (restore func(), err error)
}

type Result struct {
	// Reactions is the number of reactions executed.
	Reactions int

	// Pending is true if enabled reactions remain, i.e. the budget ran out.
	Pending bool
}

type VM struct {
	soup    *Soup
	program Program
	clock   clock.Clock
	logger  *slog.Logger
}

type Option func(*VM)

func WithClock(c clock.Clock) Option {
	return func(v *VM) {
		v.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *VM) {
		v.logger = l
	}
}

func New(soup *Soup, p Program, opts ...Option) *VM {
	v := &VM{
		soup:    soup,
		program: p,
		clock:   clock.New(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

func (v *VM) Soup() *Soup {
	return v.soup
}

// Inject adds a new frame and enables it.
func (v *VM) Inject(activity string, parent FrameID, state any) (FrameID, error) {
	raw, err := encodeState(state)
	if err != nil {
		return 0, err
	}

	f := v.soup.newFrame(activity, parent, raw)
	v.soup.enqueue(&Reaction{Frame: f.ID})

	return f.ID, nil
}

// NewChannel creates a channel owned by the given frame, or by nobody if owner is 0.
func (v *VM) NewChannel(kind string, owner FrameID) string {
	return v.soup.newChannel(kind, owner).ID
}

// Deliver sends an external message into the soup. Messages for channels that
// no longer exist are rejected with ErrChannelNotFound.
func (v *VM) Deliver(channel string, m *Message) error {
	return v.soup.send(channel, m)
}

// Execute runs enabled reactions in FIFO order until none are left, the
// budget is used up or ctx is canceled. At least one reaction runs when any
// is enabled.
func (v *VM) Execute(ctx context.Context, budget time.Duration) (Result, error) {
	var res Result

	deadline := v.clock.Now().Add(budget)

	for len(v.soup.Queue) > 0 {
		if res.Reactions > 0 {
			if err := ctx.Err(); err != nil {
				res.Pending = true
				return res, err
			}

			if budget > 0 && !v.clock.Now().Before(deadline) {
				res.Pending = true
				return res, nil
			}
		}

		r := v.soup.Queue[0]
		v.soup.Queue[0] = nil
		v.soup.Queue = v.soup.Queue[1:]

		f, ok := v.soup.Frames[r.Frame]
		if !ok {
			v.logger.Debug("dropping reaction for removed frame", log.FrameIDKey, r.Frame, log.ChannelKey, r.Channel)
			continue
		}

		res.Reactions++

		var in *Input
		if r.Channel != "" || r.Message != nil {
			in = &Input{Channel: r.Channel, Message: r.Message}
		}

		if err := v.react(f, in); err != nil {
			return res, err
		}
	}

	// Keep a stable empty queue for serialization
	v.soup.Queue = []*Reaction{}

	return res, nil
}

func (v *VM) react(f *Frame, in *Input) (err error) {
	snapshot := v.soup.clone()

	var restore func()
	if c, ok := v.program.(Checkpointer); ok {
		if restore, err = c.Checkpoint(); err != nil {
			return fmt.Errorf("checkpointing frame %d (%s): %w", f.ID, f.Activity, err)
		}
	}

	t := &Thread{soup: v.soup, frame: f}

	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("reaction panicked", log.FrameIDKey, f.ID, log.ActivityIDKey, f.Activity, "panic", r)

			// None of the effects of the failed reaction survive: frames it
			// spawned, channels, sends and enabled reactions are rolled back.
			v.soup.restore(snapshot)
			if restore != nil {
				restore()
			}

			f = v.soup.Frames[f.ID]
			t = &Thread{soup: v.soup, frame: f}

			err = v.program.Uncaught(t, f, r)
		}
	}()

	if err := v.program.React(t, f, in); err != nil {
		return fmt.Errorf("executing frame %d (%s): %w", f.ID, f.Activity, err)
	}

	return nil
}

func encodeState(state any) (json.RawMessage, error) {
	if state == nil {
		return nil, nil
	}

	if raw, ok := state.(json.RawMessage); ok {
		return raw, nil
	}

	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding frame state: %w", err)
	}

	return b, nil
}
