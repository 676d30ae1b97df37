package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"jobguard/internal/config"
	"jobguard/internal/models"
)

// Archiver exports terminal rows to S3 as NDJSON before retention deletes
// them. Archiving is best effort; cleanup proceeds regardless.
type Archiver struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// New builds an archiver, or returns nil when no bucket is configured.
func New(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Archiver{client: client, bucket: cfg.Bucket, log: log}, nil
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// Archive writes the records as one NDJSON object keyed by queue and
// timestamp.
func (a *Archiver) Archive(ctx context.Context, queue string, recs []models.JobRecord) error {
	if len(recs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}

	key := fmt.Sprintf("jobguard/%s/%s.ndjson", queue, time.Now().UTC().Format("2006-01-02T15-04-05"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	a.log.Info("archived terminal jobs", "key", key, "count", len(recs))
	return nil
}
