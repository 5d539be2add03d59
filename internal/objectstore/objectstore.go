// Package objectstore wraps the result artifact store: content is
// addressed by a deterministic key derived from tenant, date, and run
// id, with the actual-cost value stamped on as object metadata so the
// reconciliation loop can recover a committed amount from the artifact
// alone. No example repo in the retrieval pack imports a dedicated
// object-storage client, but jordigilh-kubernaut already depends on
// the aws-sdk-go-v2 family (there, for bedrockruntime); this package
// uses the sibling s3 service client from the same SDK rather than
// introducing a new vendor.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Store wraps an S3 client with the deterministic key layout and
// metadata-tag conventions the engine relies on.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	log     zerolog.Logger
}

// New builds a Store from the standard AWS SDK v2 config resolution
// chain (env vars, shared config, IAM role), optionally overriding the
// endpoint for S3-compatible stores in development.
func New(ctx context.Context, region, endpoint, bucket string, logger zerolog.Logger) (*Store, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		log:     logger.With().Str("component", "objectstore").Logger(),
	}, nil
}

// ResultKey returns the deterministic key for a run's result artifact:
// tenants/{tenant_id}/{yyyy}/{mm}/{dd}/{run_id}/result.json.
func ResultKey(tenantID, runID string, submittedAt time.Time) string {
	return fmt.Sprintf("tenants/%s/%04d/%02d/%02d/%s/result.json",
		tenantID, submittedAt.Year(), submittedAt.Month(), submittedAt.Day(), runID)
}

// PutResultInput carries everything needed to upload a result
// artifact with its reconciliation metadata.
type PutResultInput struct {
	TenantID    string
	RunID       string
	Key         string
	Body        []byte
	ActualCost  int64 // micros, stamped as the "actual-cost" metadata tag
}

// PutResultOutput reports the content hash computed from the uploaded
// body.
type PutResultOutput struct {
	SHA256Hex string
}

// PutResult uploads the result envelope. Re-uploads with the same key
// are idempotent and safe — the worker may call this more than once
// if it crashes and is retried by the reaper before Phase A is
// claimed.
func (s *Store) PutResult(ctx context.Context, in PutResultInput) (*PutResultOutput, error) {
	sum := sha256.Sum256(in.Body)
	hexSum := hex.EncodeToString(sum[:])

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(in.Key),
		Body:        bytes.NewReader(in.Body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"actual-cost": fmt.Sprintf("%d", in.ActualCost),
			"run-id":      in.RunID,
			"tenant-id":   in.TenantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: put result: %w", err)
	}

	return &PutResultOutput{SHA256Hex: hexSum}, nil
}

// HeadResult is used by the reconciler to check whether a claimed
// run's artifact actually landed, recovering the actual-cost metadata
// tag if so.
//
// ErrNotFound-shaped callers should check the returned bool, not rely
// on a sentinel error, since the AWS SDK reports "not found" through a
// typed API error rather than a package-level error value.
func (s *Store) HeadResult(ctx context.Context, key string) (exists bool, actualCostMicros int64, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("objectstore: head result: %w", err)
	}

	raw, ok := out.Metadata["actual-cost"]
	if !ok {
		return true, 0, fmt.Errorf("objectstore: result object missing actual-cost metadata")
	}
	var cost int64
	if _, scanErr := fmt.Sscanf(raw, "%d", &cost); scanErr != nil {
		return true, 0, fmt.Errorf("objectstore: malformed actual-cost metadata %q: %w", raw, scanErr)
	}
	return true, cost, nil
}

// PresignGet returns a time-limited download URL for a completed
// run's result.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign get: %w", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
