package cluster

import (
	"encoding/json"

	"github.com/argus-monitor/argus/pkg/types"
)

// Cluster message methods. The envelope schema is fixed JSON-RPC 2.0
// notifications; peers ignore methods they do not understand.
const (
	MethodHello                      = "event::Hello"
	MethodExecuteCommand             = "event::ExecuteCommand"
	MethodExecutedCommand            = "event::ExecutedCommand"
	MethodCheckResult                = "event::CheckResult"
	MethodSetNextCheck               = "event::SetNextCheck"
	MethodSetForceNextCheck          = "event::SetForceNextCheck"
	MethodSetAcknowledgement         = "event::SetAcknowledgement"
	MethodClearAcknowledgement       = "event::ClearAcknowledgement"
	MethodSendNotifications          = "event::SendNotifications"
	MethodNotificationSentToUser     = "event::NotificationSentToUser"
	MethodNotificationSentToAllUsers = "event::NotificationSentToAllUsers"
)

// Envelope is one cluster message. Ts is the sender's clock in unix
// seconds; messages older than the replay horizon are dropped on receive.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Ts      float64         `json:"ts"`
	Origin  string          `json:"origin,omitempty"`
}

// HelloParams opens a connection: the peer introduces itself and its
// capability bitmask.
type HelloParams struct {
	Endpoint     string           `json:"endpoint"`
	Capabilities types.Capability `json:"capabilities"`
}

// CheckResultParams replicates a locally produced result to zone peers.
type CheckResultParams struct {
	Host        string             `json:"host"`
	Service     string             `json:"service,omitempty"`
	CheckResult *types.CheckResult `json:"cr"`
}

// ExecutedCommandParams carries a remotely executed check's outcome back.
type ExecutedCommandParams struct {
	Host        string             `json:"host"`
	Service     string             `json:"service,omitempty"`
	Execution   string             `json:"execution,omitempty"`
	CheckResult *types.CheckResult `json:"check_result"`
}

// SetNextCheckParams reschedules a checkable cluster-wide.
type SetNextCheckParams struct {
	Host      string  `json:"host"`
	Service   string  `json:"service,omitempty"`
	NextCheck float64 `json:"next_check"`
}

// SetAcknowledgementParams replicates an acknowledgement.
type SetAcknowledgementParams struct {
	Host    string        `json:"host"`
	Service string        `json:"service,omitempty"`
	Author  string        `json:"author"`
	Comment string        `json:"comment"`
	AckType types.AckType `json:"acktype"`
	Notify  bool          `json:"notify"`
	Expiry  float64       `json:"expiry"`
}

// NotificationSentParams replicates a delivered notification so a
// failover peer does not repeat it.
type NotificationSentParams struct {
	Notification string                 `json:"notification"`
	User         string                 `json:"user,omitempty"`
	Type         types.NotificationType `json:"notification_type"`
}

// NewEnvelope builds a notification envelope with marshaled params.
func NewEnvelope(method string, params any, ts float64, origin string) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		Ts:      ts,
		Origin:  origin,
	}, nil
}
