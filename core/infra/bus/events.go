package bus

import (
	"fmt"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/logging"
)

// Publisher sends job events.
type Publisher interface {
	Publish(subject, msgID string, v any) error
}

// EventPublisher implements admission.EventPublisher over a bus. Failures are
// logged and never reach the caller.
type EventPublisher struct {
	bus Publisher
}

func NewEventPublisher(bus Publisher) *EventPublisher {
	return &EventPublisher{bus: bus}
}

func (p *EventPublisher) PublishJobEvent(evt admission.JobEvent) {
	if p == nil || p.bus == nil {
		return
	}
	subject := SubjectForEvent(evt.Kind)
	msgID := fmt.Sprintf("%s:%s:%s", evt.Kind, evt.JobID, evt.Status)
	if err := p.bus.Publish(subject, msgID, evt); err != nil {
		logging.Error("bus", "publish job event", "subject", subject, "job_id", evt.JobID, "error", err)
	}
}

// SubjectForEvent maps an event kind to its subject.
func SubjectForEvent(kind string) string {
	switch kind {
	case admission.EventAdmitted:
		return SubjectJobAdmitted
	case admission.EventCancelled:
		return SubjectJobCancelled
	default:
		return SubjectJobUpdated
	}
}
