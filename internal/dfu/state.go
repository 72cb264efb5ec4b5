package dfu

// State is a step of a DFU session, roughly listed in the order it occurs.
type State string

const (
	// StateInitializing is reported as soon as a session's parameters are valid.
	StateInitializing State = "initializing"
	// StateConnecting means the transport is connecting to the target.
	StateConnecting State = "connecting"
	// StateConnected means the DFU service was found on the target.
	StateConnected State = "connected"
	// StateStarting covers reading the DFU version and sending the init packet.
	StateStarting State = "starting"
	// StateEnablingDfuMode means the target reboots into its bootloader and the
	// sequence restarts from initializing against the bootloader identity.
	// There is no disconnected notification following it.
	StateEnablingDfuMode State = "enablingDfuMode"
	// StateUploading means firmware bytes are being sent.
	StateUploading State = "uploading"
	// StateValidatingFirmware means the target is validating the new image.
	StateValidatingFirmware State = "validatingFirmware"
	// StateDisconnecting means the transport started disconnecting.
	StateDisconnecting State = "disconnecting"
	// StateDisconnected means the target was disconnected and reset.
	StateDisconnected State = "disconnected"
	// StateCompleted is terminal: the update succeeded.
	StateCompleted State = "completed"
	// StateAborted is terminal: the update was cancelled or failed.
	StateAborted State = "aborted"
)

var knownStates = map[State]struct{}{
	StateInitializing:       {},
	StateConnecting:         {},
	StateConnected:          {},
	StateStarting:           {},
	StateEnablingDfuMode:    {},
	StateUploading:          {},
	StateValidatingFirmware: {},
	StateDisconnecting:      {},
	StateDisconnected:       {},
	StateCompleted:          {},
	StateAborted:            {},
}

// IsTerminal reports whether no transition follows s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	_, ok := knownStates[s]
	return ok
}

func (s State) String() string { return string(s) }

// Progress is a snapshot of an upload.
//
// Percent is in [0,100]. Part and PartsTotal index a 1-based multi-image
// transfer. Speed and AverageSpeed are bytes/s samples, observational only.
type Progress struct {
	Percent      int     `json:"percent"`
	Part         int     `json:"part"`
	PartsTotal   int     `json:"partsTotal"`
	Speed        float64 `json:"speed"`
	AverageSpeed float64 `json:"averageSpeed"`
}

// StateEvent is emitted by a transport on every state change.
type StateEvent struct {
	Target TargetID
	State  State
}

// ProgressEvent is emitted by a transport while uploading.
type ProgressEvent struct {
	Target TargetID
	Progress
}
