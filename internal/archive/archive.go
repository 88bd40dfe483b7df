// package archive uploads sealed contracts and promotion records to object
// storage for long-term retention, independent of the ledger's primary store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relvault/relvault/internal/canonical"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/ledger"
)

// S3Archiver writes canonical JSON objects to S3 under:
//
//	s3://<bucket>/<prefix>/contracts/<contractHash>.json
//	s3://<bucket>/<prefix>/promotions/YYYY/MM/DD/<recordID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an archiver using ambient AWS configuration
// (AWS_REGION, AWS_PROFILE, access keys and so on).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveContract uploads the canonical form of a sealed contract. The object
// key is derived from the contract hash, so re-archiving the same contract is
// an idempotent overwrite with identical bytes.
func (a *S3Archiver) ArchiveContract(ctx context.Context, c *contract.ReleaseContract) (string, error) {
	if c == nil {
		return "", fmt.Errorf("nil contract")
	}
	if err := c.Verify(); err != nil {
		return "", fmt.Errorf("refusing to archive: %w", err)
	}
	body, err := canonical.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("canonicalize contract: %w", err)
	}
	key := path.Join(a.prefix, "contracts", c.ContractHash+".json")
	if err := a.put(ctx, key, body); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveRecord uploads one promotion record, partitioned by date for
// lifecycle policies.
func (a *S3Archiver) ArchiveRecord(ctx context.Context, rec *ledger.PromotionRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("nil record")
	}
	body, err := canonical.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	ts := rec.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	key := path.Join(a.prefix, "promotions",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		rec.ID+".json",
	)
	if err := a.put(ctx, key, body); err != nil {
		return "", err
	}
	return key, nil
}

func (a *S3Archiver) put(ctx context.Context, key string, body []byte) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}
