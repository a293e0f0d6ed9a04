package event

import "github.com/zeebo/errs"

var (
	// InvalidEventError marks a notification that does not describe a raw partition object.
	InvalidEventError = errs.Class("invalid event")
	// DuplicateEventError marks a notification already admitted inside the dedup window.
	DuplicateEventError = errs.Class("duplicate event")
)
