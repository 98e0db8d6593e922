package core

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
//
//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks
type SignalConnection interface {
	// TrySend enqueues f without blocking. It fails when the outbound
	// queue is full or the connection is closed.
	TrySend(Frame) error
	Close()
}
