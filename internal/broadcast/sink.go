package broadcast

// Sink delivers envelopes to one front-end. Deliver must not block and
// reports false when the envelope was dropped.
type Sink interface {
	Deliver(Envelope) bool
}

// ChanSink buffers envelopes for a transport's writer goroutine and drops
// when the buffer is full.
type ChanSink struct {
	ch chan Envelope
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Envelope, buffer)}
}

func (s *ChanSink) Deliver(env Envelope) bool {
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// C is drained by the transport.
func (s *ChanSink) C() <-chan Envelope {
	return s.ch
}
