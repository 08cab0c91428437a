package call

// State is a call processor state
type State int32

const (
	StateIdle State = iota
	StateInit
	StateTxing
	StateHang
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateTxing:
		return "txing"
	case StateHang:
		return "hang"
	default:
		return "unknown"
	}
}

// Active reports whether a call context is held in this state
func (s State) Active() bool {
	return s != StateIdle
}
