package event

import (
	"time"

	"github.com/b3x-data/b3x/pkg/storage"
)

// Notification announces that an object landed in the object store.
type Notification struct {
	Location  string    `json:"location"` // bucket
	Key       string    `json:"key"`
	EventTime time.Time `json:"event_time"`
	SizeBytes int64     `json:"size_bytes"`
}

// RawPartitionDescriptor identifies a raw partition, derived once from an admitted notification.
type RawPartitionDescriptor struct {
	Bucket           string       `json:"bucket"`
	ObjectKey        string       `json:"object_key"`
	SourceLocation   string       `json:"source_location"` // <bucket>/<prefix>year=YYYY/month=MM/day=DD/
	SourcePrefix     string       `json:"source_prefix"`   // <prefix>year=YYYY/month=MM/day=DD/
	CollectionDate   storage.Date `json:"collection_date"`
	ArrivalTimestamp time.Time    `json:"arrival_timestamp"`
	SizeBytes        int64        `json:"size_bytes"`
}

// DedupKey identifies a delivery of a notification for the dedup window.
func (n Notification) DedupKey() string {
	return n.Location + "|" + n.Key + "|" + n.EventTime.UTC().Format(time.RFC3339Nano)
}
