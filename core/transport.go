package core

import "context"

// Transport is the external collaborator fixed by §6: a pair of
// stream-of-bytes endpoints per peer. The orchestrator owns exactly one
// Transport per in-flight sync and never shares it with other
// components. Each Send/Receive call carries one whole wire message
// (an Envelope-tagged JSON document); framing on the actual wire is the
// Transport implementation's concern, not the core's.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Transport to a peer. Concrete dialers (TCP, Bluetooth
// RFCOMM, whatever a platform layer provides) live outside this module;
// nothing here assumes a specific one.
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (Transport, error)
}
