// Package archive ships verified audit chains to S3 as JSONL objects.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/audit"
)

// ErrChainInvalid is returned when a chain fails verification; tampered
// chains are never archived.
var ErrChainInvalid = errors.New("archive: chain failed verification")

// Putter is the subset of *s3.Client used by the archiver.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config names the destination bucket.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
}

// Receipt describes an uploaded chain.
type Receipt struct {
	Chain  string `json:"chain"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Events int    `json:"events"`
	Head   string `json:"head"`
}

// Archiver uploads chains.
type Archiver struct {
	client Putter
	bucket string
	prefix string
	logger *zap.Logger
}

// New loads the default AWS credential chain and builds an S3 archiver.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient builds an archiver over an existing client.
func NewWithClient(client Putter, bucket, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectKey is <prefix><escaped chain>/<head hex>.jsonl. Keys are content
// addressed by the chain head, so re-archiving an unchanged chain overwrites
// the same object.
func (a *Archiver) ObjectKey(chain, head string) string {
	return a.prefix + url.PathEscape(chain) + "/" + strings.TrimPrefix(head, "sha256:") + ".jsonl"
}

// Export verifies a chain and uploads it.
func (a *Archiver) Export(ctx context.Context, c audit.Chain, chain string) (Receipt, error) {
	events, err := c.Events(ctx, chain)
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: read %s: %w", chain, err)
	}
	res := audit.Verify(events)
	if !res.Valid {
		return Receipt{}, fmt.Errorf("%w: %s at index %d: %s", ErrChainInvalid, chain, res.ErrorIndex, res.Error)
	}
	if len(events) == 0 {
		return Receipt{}, fmt.Errorf("archive: chain %s is empty", chain)
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return Receipt{}, fmt.Errorf("archive: encode event %s: %w", e.ID, err)
		}
	}

	key := a.ObjectKey(chain, res.Head)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"chain":  chain,
			"head":   res.Head,
			"events": strconv.Itoa(res.Events),
		},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("s3 put failed: %w", err)
	}

	a.logger.Info("audit chain archived",
		zap.String("chain", chain),
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("events", res.Events))

	return Receipt{Chain: chain, Bucket: a.bucket, Key: key, Events: res.Events, Head: res.Head}, nil
}
