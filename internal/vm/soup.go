package vm

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FrameID identifies a suspended continuation (one activity instance) inside a soup.
type FrameID int64

// Message is the value carried by a channel.
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload as JSON and wraps it into a message of the given kind.
func NewMessage(kind string, payload any) (*Message, error) {
	m := &Message{Kind: kind}
	if payload == nil {
		return m, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", kind, err)
	}

	m.Payload = b

	return m, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}

	return json.Unmarshal(m.Payload, v)
}

// Channel is a communication point between frames. Messages sent without a
// waiting reader are buffered in order. At most one frame reads a channel.
type Channel struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind,omitempty"`
	Owner    FrameID    `json:"owner"`
	Messages []*Message `json:"messages,omitempty"`
	Reader   FrameID    `json:"reader,omitempty"`
}

// Frame is a suspended continuation together with the activity-private state
// it resumes with.
type Frame struct {
	ID       FrameID         `json:"id"`
	Activity string          `json:"activity"`
	Parent   FrameID         `json:"parent,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Waiting  []string        `json:"waiting,omitempty"`
}

// Reaction is an enabled continuation: a frame together with the input it is
// resumed with. A reaction without a channel starts or continues a frame.
type Reaction struct {
	Frame   FrameID  `json:"frame"`
	Channel string   `json:"channel,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Soup is the complete execution state of one process instance.
type Soup struct {
	NextID   int64               `json:"next_id"`
	Frames   map[FrameID]*Frame  `json:"frames"`
	Channels map[string]*Channel `json:"channels"`
	Queue    []*Reaction         `json:"queue"`
}

func NewSoup() *Soup {
	return &Soup{
		Frames:   map[FrameID]*Frame{},
		Channels: map[string]*Channel{},
		Queue:    []*Reaction{},
	}
}

// Marshal serializes the soup. Map keys are emitted in sorted order, so a
// deserialize/serialize round trip yields identical bytes.
func Marshal(s *Soup) ([]byte, error) {
	return json.Marshal(s)
}

func Unmarshal(b []byte) (*Soup, error) {
	s := NewSoup()
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decoding soup: %w", err)
	}

	if s.Frames == nil {
		s.Frames = map[FrameID]*Frame{}
	}

	if s.Channels == nil {
		s.Channels = map[string]*Channel{}
	}

	if s.Queue == nil {
		s.Queue = []*Reaction{}
	}

	return s, nil
}

// clone copies the soup structure. Messages, reactions and raw frame states
// are never modified in place and are shared.
func (s *Soup) clone() *Soup {
	c := &Soup{
		NextID:   s.NextID,
		Frames:   make(map[FrameID]*Frame, len(s.Frames)),
		Channels: make(map[string]*Channel, len(s.Channels)),
		Queue:    append([]*Reaction{}, s.Queue...),
	}

	for id, f := range s.Frames {
		fc := *f
		fc.Waiting = append([]string(nil), f.Waiting...)
		c.Frames[id] = &fc
	}

	for id, ch := range s.Channels {
		cc := *ch
		cc.Messages = append([]*Message(nil), ch.Messages...)
		c.Channels[id] = &cc
	}

	return c
}

// restore replaces the contents of s with those of a clone.
func (s *Soup) restore(c *Soup) {
	*s = *c
}

// Idle returns true if no reaction is enabled.
func (s *Soup) Idle() bool {
	return len(s.Queue) == 0
}

func (s *Soup) nextID() int64 {
	s.NextID++
	return s.NextID
}

func (s *Soup) newFrame(activity string, parent FrameID, state json.RawMessage) *Frame {
	f := &Frame{
		ID:       FrameID(s.nextID()),
		Activity: activity,
		Parent:   parent,
		State:    state,
	}

	s.Frames[f.ID] = f

	return f
}

func (s *Soup) newChannel(kind string, owner FrameID) *Channel {
	c := &Channel{
		ID:    "ch" + strconv.FormatInt(s.nextID(), 10),
		Kind:  kind,
		Owner: owner,
	}

	s.Channels[c.ID] = c

	return c
}

func (s *Soup) enqueue(r *Reaction) {
	s.Queue = append(s.Queue, r)
}

// send delivers m to the channel. If a frame is blocked on the channel, the
// frame becomes enabled and all of its other waits are dropped.
func (s *Soup) send(id string, m *Message) error {
	c, ok := s.Channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}

	if c.Reader == 0 {
		c.Messages = append(c.Messages, m)
		return nil
	}

	reader := c.Reader
	s.clearWaits(reader)
	s.enqueue(&Reaction{Frame: reader, Channel: id, Message: m})

	return nil
}

// wait blocks the frame on the given channels. If one of them already holds a
// message, the first such message (in argument order) is consumed right away.
func (s *Soup) wait(frame FrameID, channels []string) error {
	f, ok := s.Frames[frame]
	if !ok {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, frame)
	}

	if len(f.Waiting) > 0 {
		return fmt.Errorf("%w: frame %d already waits on %v", ErrAlreadyWaiting, frame, f.Waiting)
	}

	for _, id := range channels {
		c, ok := s.Channels[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}

		if c.Reader != 0 && c.Reader != frame {
			return fmt.Errorf("%w: channel %s is read by frame %d", ErrReaderConflict, id, c.Reader)
		}
	}

	for _, id := range channels {
		c := s.Channels[id]
		if len(c.Messages) > 0 {
			m := c.Messages[0]
			c.Messages = c.Messages[1:]
			if len(c.Messages) == 0 {
				c.Messages = nil
			}

			s.enqueue(&Reaction{Frame: frame, Channel: id, Message: m})
			return nil
		}
	}

	for _, id := range channels {
		s.Channels[id].Reader = frame
	}

	f.Waiting = append([]string(nil), channels...)

	return nil
}

func (s *Soup) clearWaits(frame FrameID) {
	f, ok := s.Frames[frame]
	if !ok {
		return
	}

	for _, id := range f.Waiting {
		if c, ok := s.Channels[id]; ok && c.Reader == frame {
			c.Reader = 0
		}
	}

	f.Waiting = nil
}

// removeFrame deletes the frame, its waits, the channels it owns and every
// reaction still queued for it.
func (s *Soup) removeFrame(frame FrameID) {
	s.clearWaits(frame)
	delete(s.Frames, frame)

	for id, c := range s.Channels {
		if c.Owner == frame {
			s.removeChannel(id)
		}
	}

	q := s.Queue[:0]
	for _, r := range s.Queue {
		if r.Frame != frame {
			q = append(q, r)
		}
	}

	s.Queue = q
}

func (s *Soup) removeChannel(id string) {
	c, ok := s.Channels[id]
	if !ok {
		return
	}

	if c.Reader != 0 {
		if f, ok := s.Frames[c.Reader]; ok {
			w := f.Waiting[:0]
			for _, wid := range f.Waiting {
				if wid != id {
					w = append(w, wid)
				}
			}

			f.Waiting = w
			if len(f.Waiting) == 0 {
				f.Waiting = nil
			}
		}
	}

	delete(s.Channels, id)
}
