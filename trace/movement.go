package trace

import "time"

// Action is the kind of lifecycle event a movement records
type Action string

const (
	ActionRegistered         Action = "Registered"
	ActionBorderCrossing     Action = "BorderCrossing"
	ActionDistributorReceive Action = "DistributorReceive"
	ActionSplitAssign        Action = "SplitAssign"
)

func (a Action) valid() bool {
	switch a {
	case ActionRegistered, ActionBorderCrossing, ActionDistributorReceive, ActionSplitAssign:
		return true
	}
	return false
}

// Outcome of a border inspection. Empty for every other action.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// ParseOutcome accepts "pass"/"fail" and the boolean spellings.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "pass", "passed", "true", "ok":
		return OutcomePass, nil
	case "fail", "failed", "false":
		return OutcomeFail, nil
	}
	return "", validationError("outcome must be pass or fail, got %q", s)
}

// Movement is one immutable event in a batch log
type Movement struct {
	BatchNumber string    `json:"batch_number"`
	Seq         int64     `json:"seq"`
	Action      Action    `json:"action"`
	Actor       string    `json:"actor"`
	Location    string    `json:"location"`
	Timestamp   time.Time `json:"timestamp"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	ChildBatch  string    `json:"child_batch,omitempty"`
	Seller      string    `json:"seller,omitempty"`
}

// StatusEvent is a caller's request to move a batch through the state machine
type StatusEvent struct {
	Action   Action
	Location string
	Outcome  Outcome
}

func (e StatusEvent) validate() error {
	switch e.Action {
	case ActionBorderCrossing:
		if e.Outcome != OutcomePass && e.Outcome != OutcomeFail {
			return validationError("border crossing needs outcome pass or fail")
		}
	case ActionDistributorReceive:
		if e.Outcome != OutcomeNone {
			return validationError("outcome is only meaningful for border crossings")
		}
	default:
		return validationError("action %q does not change status", e.Action)
	}
	if e.Location == "" {
		return validationError("location is required")
	}
	return nil
}
