package worker

import (
	"context"

	"github.com/seantiz/anvil/internal/protocol"
)

// Isolation mode names.
const (
	IsolationThread  = "thread"
	IsolationProcess = "process"
	IsolationAuto    = "auto"
)

// Unit is one live execution unit hosting a sandbox worker.
type Unit interface {
	// ID returns the identifier the unit was spawned with.
	ID() string

	// Send delivers a message to the sandbox worker.
	Send(m protocol.Message) error

	// Inbox yields messages from the sandbox worker. It is closed when the
	// unit's channel fails or the unit exits.
	Inbox() <-chan protocol.Message

	// Kill forcibly terminates the unit. It is idempotent.
	Kill() error

	// Done is closed once the unit has exited.
	Done() <-chan struct{}

	// Err reports why the unit exited, or nil while it is running.
	Err() error
}

// Spawner starts execution units of one isolation mode.
type Spawner interface {
	// Spawn starts a unit and returns once it can accept messages.
	Spawn(ctx context.Context, id string) (Unit, error)

	// Capabilities describes the isolation the spawner provides.
	Capabilities() Capabilities
}

// Capabilities describes a spawner.
type Capabilities struct {
	Isolation   string `json:"isolation"`
	Description string `json:"description"`
	KillMode    string `json:"kill_mode"`
}
