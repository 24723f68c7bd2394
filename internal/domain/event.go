package domain

import "fmt"

// SourceKind identifies what produced a notification.
type SourceKind string

const (
	SourceWorkflowRun SourceKind = "github-workflow"
	SourceWorkflowJob SourceKind = "github-job"
	SourceCheckRun    SourceKind = "github-check"
	SourceCustom      SourceKind = "custom"
)

// Conclusions with dedicated message templates. Anything else is rendered
// through the generic template.
const (
	ConclusionSuccess = "success"
	ConclusionFailure = "failure"
)

// NotificationEvent is a completed CI event extracted from a webhook.
// Values are passed by copy and never mutated after construction.
type NotificationEvent struct {
	Kind       SourceKind
	Repo       string
	Subject    string // workflow, job or check name
	Conclusion string
	URL        string // may be empty
}

// Device is one entry of the vendor account's device roster.
type Device struct {
	ID        string // opaque session identifier (deviceID) required by playback calls
	NumericID string // account-facing numeric id (miotDID)
	Name      string
	Hardware  string
}

func (d Device) String() string {
	return fmt.Sprintf("%s (miotDID=%s, deviceID=%s)", d.Name, d.NumericID, d.ID)
}
