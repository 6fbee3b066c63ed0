package vm

import (
	"encoding/json"
	"fmt"
)

// Thread is the view of the soup a single reaction operates on.
type Thread struct {
	soup     *Soup
	frame    *Frame
	finished bool
}

func (t *Thread) Frame() *Frame {
	return t.frame
}

// NewChannel creates a channel owned by the current frame. The channel is
// removed together with the frame.
func (t *Thread) NewChannel(kind string) string {
	return t.soup.newChannel(kind, t.frame.ID).ID
}

// NewSharedChannel creates a channel owned by another frame, usually the
// parent of the current frame.
func (t *Thread) NewSharedChannel(kind string, owner FrameID) string {
	return t.soup.newChannel(kind, owner).ID
}

func (t *Thread) HasChannel(id string) bool {
	_, ok := t.soup.Channels[id]
	return ok
}

// Send sends a message to a channel.
func (t *Thread) Send(channel string, m *Message) error {
	return t.soup.send(channel, m)
}

// SendValue encodes v and sends it as a message of the given kind.
func (t *Thread) SendValue(channel, kind string, v any) error {
	m, err := NewMessage(kind, v)
	if err != nil {
		return err
	}

	return t.Send(channel, m)
}

// Wait blocks the current frame until one message arrives on any of the given
// channels. The first delivery wins, the remaining registrations are dropped.
func (t *Thread) Wait(channels ...string) error {
	if t.finished {
		return fmt.Errorf("frame %d: wait after finish", t.frame.ID)
	}

	return t.soup.wait(t.frame.ID, channels)
}

// Continue enables the current frame again without input.
func (t *Thread) Continue() {
	t.soup.enqueue(&Reaction{Frame: t.frame.ID})
}

// Spawn creates a child frame for the given activity and enables it.
func (t *Thread) Spawn(activity string, state any) (FrameID, error) {
	raw, err := encodeState(state)
	if err != nil {
		return 0, err
	}

	f := t.soup.newFrame(activity, t.frame.ID, raw)
	t.soup.enqueue(&Reaction{Frame: f.ID})

	return f.ID, nil
}

// Close removes a channel. Pending messages are discarded.
func (t *Thread) Close(channel string) {
	t.soup.removeChannel(channel)
}

// Finish removes the current frame and all channels it owns.
func (t *Thread) Finish() {
	t.finished = true
	t.soup.removeFrame(t.frame.ID)
}

func (t *Thread) Finished() bool {
	return t.finished
}

// State decodes the frame state into v.
func (t *Thread) State(v any) error {
	if len(t.frame.State) == 0 {
		return nil
	}

	if err := json.Unmarshal(t.frame.State, v); err != nil {
		return fmt.Errorf("decoding state of frame %d: %w", t.frame.ID, err)
	}

	return nil
}

// SetState replaces the frame state.
func (t *Thread) SetState(v any) error {
	raw, err := encodeState(v)
	if err != nil {
		return err
	}

	t.frame.State = raw

	return nil
}
