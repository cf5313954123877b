package moderation

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prefix of a content_ref which carries the content itself, as standard base64.
const InlineRefPrefix = "b64:"

// Client-submitted job, as posted to the REST intake or sent over a stream connection.
type Request struct {
	JobID         string            `json:"job_id,omitempty"`
	Kind          string            `json:"kind,omitempty"`
	ContentBase64 string            `json:"content_base64,omitempty"`
	ContentRef    string            `json:"content_ref,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validates the request and converts it to a job. Inline content is carried as an inline ContentRef; Content is left empty. A job id is generated when the client did not supply one.
func (r *Request) Job() (Job, error) {
	kind, err := ParseContentKind(r.Kind)
	if err != nil {
		return Job{}, err
	}
	job := Job{
		ID:        r.JobID,
		Kind:      kind,
		Metadata:  r.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	switch {
	case r.ContentBase64 != "" && r.ContentRef != "":
		return Job{}, fmt.Errorf("%w: only one of content_base64 and content_ref may be set", ErrBadRequest)
	case r.ContentBase64 != "":
		if _, err := base64.StdEncoding.DecodeString(r.ContentBase64); err != nil {
			return Job{}, fmt.Errorf("%w: invalid content_base64: %w", ErrBadRequest, err)
		}
		job.ContentRef = InlineRefPrefix + r.ContentBase64
	case r.ContentRef != "":
		job.ContentRef = r.ContentRef
	default:
		return Job{}, fmt.Errorf("%w: one of content_base64 or content_ref is required", ErrBadRequest)
	}
	return job, nil
}
