package events

import "time"

// Session event type names (KindSession).
const (
	SessionStarted           = "Started"
	SessionStateChanged      = "StateChanged"
	SessionExchangeRecorded  = "ExchangeRecorded"
	SessionEnded             = "Ended"
)

// Security event type names (KindSecurity).
const (
	SecurityPskMismatch         = "PskMismatch"
	SecurityPskRepeatedMismatch = "PskRepeatedMismatch"
	SecurityHighErrorRate       = "HighErrorRate"
	SecurityHandshakeFailed     = "HandshakeFailed"
)

// Script event type names (KindScript).
const (
	ScriptLoaded       = "Loaded"
	ScriptRendered     = "Rendered"
	ScriptRunStarted   = "RunStarted"
	ScriptRunCompleted = "RunCompleted"
)

// SessionEnded payload: emitted once a session reaches Closed.
type SessionEndedPayload struct {
	SessionID      string
	Reason         string
	PreviousState  string
	Duration       time.Duration
	CommandCount   int
}

// HighErrorRate payload: emitted when an error-rate window crosses its
// threshold.
type HighErrorRatePayload struct {
	Kind      string
	Count     int
	Window    time.Duration
	Threshold int
}

// PskRepeatedMismatch payload: emitted when a client IP's mismatch tracker
// crosses its threshold.
type PskRepeatedMismatchPayload struct {
	ClientIP string
	Count    int
}

// BipEventKind enumerates the Bearer Independent Protocol event kinds the
// Correlator consumes from external device-side adapters.
type BipEventKind string

const (
	BipOpenChannel      BipEventKind = "OpenChannel"
	BipCloseChannel     BipEventKind = "CloseChannel"
	BipSendData         BipEventKind = "SendData"
	BipReceiveData      BipEventKind = "ReceiveData"
	BipGetChannelStatus BipEventKind = "GetChannelStatus"
	BipDataAvailable    BipEventKind = "DataAvailable"
	BipChannelStatus    BipEventKind = "ChannelStatus"
)

// BipEvent is produced externally by device-side adapters (out of scope
// for this module, see spec.md §1) and consumed by the Correlator.
type BipEvent struct {
	Kind        BipEventKind
	Timestamp   time.Time
	ChannelID   *int
	Address     string
	Port        *int
	BearerType  string
	DataLength  *int
	RawHex      string
	SessionID   string // identity the producer believes the event belongs to
}
