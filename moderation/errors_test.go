package moderation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionErrorMatching(t *testing.T) {
	assert := assert.New(t)

	var err error = &AdmissionError{Reason: ReasonQueueOverflow, Depth: 10_001, Limit: 10_000}
	wrapped := fmt.Errorf("submitting job: %w", err)

	assert.True(errors.Is(wrapped, ErrAdmissionRejected))
	var ae *AdmissionError
	assert.True(errors.As(wrapped, &ae))
	assert.Equal(ReasonQueueOverflow, ae.Reason)
	assert.Equal("AdmissionRejected:queue-overflow", ErrorCode(wrapped))
	assert.Contains(err.Error(), "depth=10001")
}

func TestErrorCode(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("", ErrorCode(nil))
	assert.Equal("BadRequest", ErrorCode(fmt.Errorf("%w: missing content", ErrBadRequest)))
	assert.Equal("ComputationTimeout", ErrorCode(ErrComputationTimeout))
	assert.Equal("InternalError", ErrorCode(errors.New("boom")))
}

func TestCategoryScoresMerge(t *testing.T) {
	assert := assert.New(t)

	s := CategoryScores{CategoryNudity: 0.2, CategoryHate: 0.9}
	s.Merge(CategoryScores{CategoryNudity: 0.7, CategoryHate: 0.1, CategorySpam: 1.5})
	assert.Equal(0.7, s[CategoryNudity])
	assert.Equal(0.9, s[CategoryHate])
	assert.Equal(1.0, s[CategorySpam])
}

func TestParseContentKind(t *testing.T) {
	assert := assert.New(t)

	k, err := ParseContentKind("")
	assert.NoError(err)
	assert.Equal(KindText, k)

	k, err = ParseContentKind("video")
	assert.NoError(err)
	assert.Equal(KindVideo, k)

	_, err = ParseContentKind("hologram")
	assert.ErrorIs(err, ErrBadRequest)
}

func TestRequestJob(t *testing.T) {
	assert := assert.New(t)

	req := Request{JobID: "job1", Kind: "image", ContentBase64: "aGVsbG8=", Metadata: map[string]string{"a": "b"}}
	job, err := req.Job()
	assert.NoError(err)
	assert.Equal("job1", job.ID)
	assert.Equal(KindImage, job.Kind)
	assert.Equal("b64:aGVsbG8=", job.ContentRef)
	assert.Equal(map[string]string{"a": "b"}, job.Metadata)
	assert.False(job.CreatedAt.IsZero())

	req = Request{ContentRef: "https://example.com/a.png"}
	job, err = req.Job()
	assert.NoError(err)
	assert.NotEmpty(job.ID)
	assert.Equal(KindText, job.Kind)
	assert.Equal("https://example.com/a.png", job.ContentRef)

	bad := []Request{
		{},
		{ContentBase64: "aGVsbG8=", ContentRef: "https://example.com/a.png"},
		{ContentBase64: "not base64!"},
		{Kind: "audio", ContentRef: "https://example.com/a.mp3"},
	}
	for _, r := range bad {
		_, err := r.Job()
		assert.ErrorIs(err, ErrBadRequest)
	}
}
