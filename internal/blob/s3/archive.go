package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sablefin/rebalancer/internal/domain"
)

// minPartSize is the S3 minimum multipart part size (5 MiB). Reports larger
// than this go through the upload manager.
const minPartSize = 5 * 1024 * 1024

// Archiver writes terminal run reports to cold storage under
// runs/<yyyy-mm-dd>/<run_id>.json.
type Archiver struct {
	client *Client
	prefix string
}

// NewArchiver creates an Archiver. prefix defaults to "runs".
func NewArchiver(client *Client, prefix string) *Archiver {
	if prefix == "" {
		prefix = "runs"
	}
	return &Archiver{client: client, prefix: prefix}
}

// ArchiveRunReport serializes the report and uploads it. Keys are dated so
// lifecycle rules can expire old runs per-day.
func (a *Archiver) ArchiveRunReport(ctx context.Context, runID string, report domain.AllTradesCompletedPayload) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal run report %s: %w", runID, err)
	}

	day := report.CompletedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, day.Format("2006-01-02"), runID)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}

	if len(data) > minPartSize {
		uploader := manager.NewUploader(a.client.s3)
		if _, err := uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
		}
		return nil
	}

	if _, err := a.client.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put run report %s: %w", key, err)
	}
	return nil
}

var _ domain.ReportArchiver = (*Archiver)(nil)
