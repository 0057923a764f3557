// Package quicstream bridges a non-blocking fill/flush endpoint contract onto the
// streams of a multiplexed, flow-controlled QUIC connection.
//
// An Endpoint owns one stream. Consumers pull bytes with Fill and register fill
// interest when nothing is buffered; producers push bytes with Flush, or with Write,
// which latches a callback until a short flush completes. The transport side tells
// the endpoint about readiness edges through OnSelected, and runs the resulting Task
// inline or on a worker according to its InvocationType.
package quicstream

import "net"

// Connection is the owning QUIC connection as seen by its stream endpoints. It
// serializes access to its own stream tables; endpoints call it from whatever
// goroutine they run on.
type Connection interface {
	// IsClosed reports whether the whole connection is terminally closed.
	IsClosed() bool
	// ReadFromStream copies up to len(p) buffered bytes of the stream into p. It
	// returns 0 when nothing is currently buffered.
	ReadFromStream(streamID int64, p []byte) (int, error)
	// IsStreamFinished reports whether the peer's FIN was seen and every byte
	// before it was delivered.
	IsStreamFinished(streamID int64) bool
	// WriteToStream consumes at most min(len(p), StreamCapacity) bytes. A short
	// count means flow control or congestion, never a framing error.
	WriteToStream(streamID int64, p []byte) (int, error)
	// StreamCapacity is the number of bytes WriteToStream would accept now.
	StreamCapacity(streamID int64) (int64, error)
	// ShutdownStreamInput asks the peer to stop sending (STOP_SENDING).
	ShutdownStreamInput(streamID int64) error
	// ShutdownStreamOutput ends the outgoing direction with a FIN.
	ShutdownStreamOutput(streamID int64) error
	// WriteFinToStream sends a FIN if none was sent yet.
	WriteFinToStream(streamID int64) error
	// OnStreamClosed releases the connection's bookkeeping for the stream.
	OnStreamClosed(streamID int64)
	// Flush drives pending transport output.
	Flush()
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// FillInterestNotifier is implemented by connections that need to be told when a
// consumer starts waiting for input, so bytes buffered before the registration still
// produce a fillable edge.
type FillInterestNotifier interface {
	NeedsFillInterest(streamID int64)
}

// WriteInterestNotifier is implemented by connections that need to be told when a
// write is left incomplete, so the next capacity increase produces a flushable edge.
type WriteInterestNotifier interface {
	NeedsFlush(streamID int64)
}
