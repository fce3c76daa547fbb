package session

import (
	"time"

	"github.com/habittribe/tribe/model"
)

// ToastLife is how long notify toasts stay on screen.
const ToastLife = 3 * time.Second

// NotifySuccess publishes a success toast.
func (s *State) NotifySuccess(detail string) {
	s.messages.Publish(model.Toast{
		Severity: model.SeveritySuccess,
		Summary:  "Operation success.",
		Detail:   detail,
		Life:     ToastLife,
	})
}

// NotifyFailure publishes a failure toast.
func (s *State) NotifyFailure(detail string) {
	s.messages.Publish(model.Toast{
		Severity: model.SeverityWarn,
		Summary:  "Operation failure.",
		Detail:   detail,
		Life:     ToastLife,
	})
}
