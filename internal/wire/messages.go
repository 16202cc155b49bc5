package wire

// Reason classifies why a backend daemon failed before readiness.
type Reason string

const (
	ReasonBadArgument      Reason = "bad_argument"
	ReasonMissingDirectory Reason = "missing_directory"
	ReasonMissingBinary    Reason = "missing_binary"
	ReasonUnsupportedWLM   Reason = "unsupported_wlm"
	ReasonInternal         Reason = "internal"
)

// Ready is sent by a backend daemon once its environment is prepared and
// right before it executes the tool.
type Ready struct {
	Token string `json:"token"`
	Host  string `json:"host"`
	PID   int    `json:"pid"`
	Inst  int    `json:"inst,omitempty"`
}

// Failure is sent by a backend daemon that cannot reach readiness.
type Failure struct {
	Token  string `json:"token"`
	Host   string `json:"host"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Register asks the overwatch to track the process group led by PID.
type Register struct {
	PID int `json:"pid"`
}

// Deregister removes PID from the overwatch without signaling it.
type Deregister struct {
	PID int `json:"pid"`
}

// Reply answers a control request; Error is empty for KindOK.
type Reply struct {
	Error string `json:"error,omitempty"`
}
