package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// MediaArchive keeps a copy of every outbound attachment in S3-compatible
// storage, keyed per tenant. Archival is best-effort: an upload failure
// never fails the send that triggered it.
type MediaArchive struct {
	enabled   bool
	client    *s3.Client
	bucket    string
	endpoint  string
	region    string
	publicURL string
	pathStyle bool
}

// newMediaArchive builds the archive from the global S3 environment. A
// disabled or misconfigured archive is inert, every method no-ops.
func newMediaArchive(cfg *Config) *MediaArchive {
	a := &MediaArchive{}
	if !cfg.S3Enabled {
		return a
	}

	accessKey := os.Getenv(S3_GLOBAL_ACCESS_KEY)
	secretKey := os.Getenv(S3_GLOBAL_SECRET_KEY)
	a.bucket = os.Getenv(S3_GLOBAL_BUCKET)
	a.region = os.Getenv(S3_GLOBAL_REGION)
	a.endpoint = os.Getenv(S3_GLOBAL_ENDPOINT)
	a.publicURL = os.Getenv(S3_GLOBAL_PUBLIC_URL)

	if accessKey == "" || secretKey == "" || a.bucket == "" {
		log.Warn().Msg("S3 archive enabled but credentials or bucket missing, archival disabled")
		return a
	}

	// Buckets with dots break virtual-hosted TLS hostnames.
	a.pathStyle = strings.Contains(a.bucket, ".")

	awsCfg := aws.Config{
		Region:      a.region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}
	if a.endpoint != "" {
		endpoint := a.endpoint
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, HostnameImmutable: a.pathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = a.pathStyle
	})
	a.enabled = true

	log.Info().
		Str("bucket", a.bucket).
		Str("region", a.region).
		Str("endpoint", a.endpoint).
		Msg("S3 media archive initialized")
	return a
}

func (a *MediaArchive) Enabled() bool { return a.enabled }

// ArchiveOutbound uploads one sent attachment and returns its public URL.
func (a *MediaArchive) ArchiveOutbound(ctx context.Context, tenantID, recipient, messageID string, att *Attachment) (string, error) {
	if !a.enabled || att == nil {
		return "", nil
	}

	key := a.objectKey(tenantID, recipient, messageID, att.MimeType)
	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(att.Data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Warn().Err(err).
			Str("tenantID", tenantID).
			Str("key", key).
			Int("size", len(att.Data)).
			Msg("Failed to archive outbound media")
		return "", fmt.Errorf("archive media: %w", err)
	}

	log.Debug().Str("tenantID", tenantID).Str("key", key).Msg("Outbound media archived")
	return a.objectURL(key), nil
}

// PurgeTenant removes every archived object under the tenant's prefix, in
// batches of 1000 (the DeleteObjects limit).
func (a *MediaArchive) PurgeTenant(ctx context.Context, tenantID string) error {
	if !a.enabled {
		return nil
	}

	prefix := fmt.Sprintf("users/%s/", tenantID)
	var toDelete []types.ObjectIdentifier
	var continuationToken *string

	flush := func() error {
		if len(toDelete) == 0 {
			return nil
		}
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: toDelete},
		})
		toDelete = nil
		return err
	}

	for {
		output, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("list archived objects for %s: %w", tenantID, err)
		}
		for _, obj := range output.Contents {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
			if len(toDelete) == 1000 {
				if err := flush(); err != nil {
					return fmt.Errorf("delete archived objects for %s: %w", tenantID, err)
				}
			}
		}
		if output.IsTruncated != nil && *output.IsTruncated && output.NextContinuationToken != nil {
			continuationToken = output.NextContinuationToken
			continue
		}
		break
	}

	if err := flush(); err != nil {
		return fmt.Errorf("delete archived objects for %s: %w", tenantID, err)
	}
	log.Info().Str("tenantID", tenantID).Msg("Archived media purged")
	return nil
}

func (a *MediaArchive) objectKey(tenantID, recipient, messageID, mimeType string) string {
	recipient = strings.ReplaceAll(recipient, "@", "_")
	recipient = strings.ReplaceAll(recipient, ":", "_")

	now := time.Now()
	mediaType := "documents"
	if strings.HasPrefix(mimeType, "image/") {
		mediaType = "images"
	}

	ext := ".bin"
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		ext = ".jpg"
	case strings.Contains(mimeType, "png"):
		ext = ".png"
	case strings.Contains(mimeType, "gif"):
		ext = ".gif"
	case strings.Contains(mimeType, "webp"):
		ext = ".webp"
	case strings.Contains(mimeType, "pdf"):
		ext = ".pdf"
	}

	return fmt.Sprintf("users/%s/outbox/%s/%s/%s/%s%s",
		tenantID, recipient, now.Format("2006/01/02"), mediaType, messageID, ext)
}

func (a *MediaArchive) objectURL(key string) string {
	if a.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.publicURL, "/"), a.bucket, key)
	}
	if a.endpoint != "" && !strings.Contains(a.endpoint, "amazonaws.com") {
		if a.pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.endpoint, "/"), a.bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(a.endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", a.bucket, host, key)
	}
	if a.pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", a.region, a.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key)
}
