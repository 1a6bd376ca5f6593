package audit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// overflowThreshold bounds how much of a request/response payload the
// audit_log table stores inline. Anything larger spills to the object
// store so a handful of long prompts never bloat the relational table
// (§6; DOMAIN STACK's s3/manager row: "C8 audit sink overflow / large
// artifact path").
const overflowThreshold = 8 * 1024

// OverflowSink uploads audit payloads too large for the relational
// audit_log table to the configured object store bucket, grounded on the
// teacher's internal/storage/s3.go UploadFile (manager.Uploader wrapping
// a *s3.Client, PutObjectInput with a context-bounded Upload call).
type OverflowSink struct {
	uploader *manager.Uploader
	bucket   string
	logger   observability.Logger
}

// NewOverflowSink builds a sink bound to client, obtained by the caller
// from the Session Manager's object store client (§4.2).
func NewOverflowSink(client *s3.Client, bucket string, logger observability.Logger) *OverflowSink {
	return &OverflowSink{uploader: manager.NewUploader(client), bucket: bucket, logger: logger}
}

// Store uploads payload under a key derived from requestID and returns
// the object key. It returns ("", nil) when the payload fits inline or
// no bucket is configured, so callers can treat overflow as opportunistic
// rather than load-bearing.
func (s *OverflowSink) Store(ctx context.Context, requestID string, payload []byte) (string, error) {
	if s == nil || len(payload) <= overflowThreshold || s.bucket == "" {
		return "", nil
	}

	key := fmt.Sprintf("audit-overflow/%s.bin", requestID)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", models.WrapError(models.ErrBackingStoreDown, "uploading audit overflow payload", err)
	}
	return key, nil
}
