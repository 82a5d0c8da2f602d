package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// inboxSize is the number of decoded messages buffered ahead of the consumer.
const inboxSize = 64

// ErrStreamClosed is returned when sending on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// Stream carries Messages over a byte stream in both directions. Sends are
// serialized; a single reader goroutine decodes incoming frames into Inbox,
// which is closed when the transport fails or the stream is closed.
// It is safe for concurrent use.
type Stream struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer

	wmu sync.Mutex

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewStream starts reading frames from r and returns a Stream writing to w.
// If r or w implement io.Closer they are closed by Close.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{
		r:      bufio.NewReader(r),
		w:      w,
		inbox:  make(chan Message, inboxSize),
		closed: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := w.(io.Closer); ok && any(w) != any(r) {
		s.closers = append(s.closers, c)
	}

	go s.readLoop()
	return s
}

// Inbox yields validated incoming messages in arrival order.
func (s *Stream) Inbox() <-chan Message {
	return s.inbox
}

// Send validates and writes one message.
func (s *Stream) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := WriteMessage(s.w, &m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// Close stops the stream and closes the underlying transport. It is idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, c := range s.closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Err returns the error that ended the read loop, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readLoop decodes frames until the transport fails. An invalid message ends
// the stream: the peer is no longer speaking the protocol.
func (s *Stream) readLoop() {
	defer close(s.inbox)

	for {
		var m Message
		if err := ReadMessage(s.r, &m); err != nil {
			s.setErr(err)
			return
		}
		if err := m.Validate(); err != nil {
			s.setErr(err)
			return
		}

		select {
		case s.inbox <- m:
		case <-s.closed:
			s.setErr(ErrStreamClosed)
			return
		}
	}
}
