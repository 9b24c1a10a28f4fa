package controller

// State is the recording lifecycle: Idle → Starting → Active → Stopping → Idle.
type State int32

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Status is a read-only projection of the controller for the tray, the
// terminal view and metrics. Counters are cumulative over the process.
type Status struct {
	State           State
	Sessions        int
	Overruns        uint64
	DroppedSamples  uint64
	TransportErrors int
	DeviceErrors    int
	Anomalies       int
	Reconnects      int
	Finals          int
	Reconnecting    bool
	Device          string
	LastError       string
	LastWarning     string // latest audio overrun in the current session
	Interim         string
	LastText        string
}

type StatusObserver interface {
	OnStatus(Status)
}

// StatusFunc adapts a function to StatusObserver.
type StatusFunc func(Status)

func (f StatusFunc) OnStatus(s Status) { f(s) }
