package event

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

type s3Envelope struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	EventTime   string `json:"eventTime"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseS3Event decodes an S3 or MinIO bucket notification into notifications.
// Records from other event sources are skipped. Object keys arrive URL-encoded.
func ParseS3Event(body []byte) ([]Notification, error) {
	var env s3Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, InvalidEventError.New("decode bucket notification: %v", err)
	}

	out := make([]Notification, 0, len(env.Records))
	for _, r := range env.Records {
		if !isS3Source(r.EventSource) {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		var ts time.Time
		if r.EventTime != "" {
			// a bad timestamp leaves the zero time, which the gate rejects
			ts, _ = time.Parse(time.RFC3339Nano, r.EventTime)
		}
		out = append(out, Notification{
			Location:  r.S3.Bucket.Name,
			Key:       key,
			EventTime: ts,
			SizeBytes: r.S3.Object.Size,
		})
	}
	return out, nil
}

// MinIO reports "minio:s3", AWS reports "aws:s3".
func isS3Source(source string) bool {
	return source == "aws:s3" || strings.HasSuffix(source, ":s3")
}
