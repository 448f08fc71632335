package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quarryhq/quarry/types"
)

func init() {
	MustRegisterPlugin("s3", newS3Plugin)
}

// S3Args configures the s3 plugin. Each export round uploads one
// timestamped jsonl object under Prefix.
type S3Args struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
}

// S3Uploader is the slice of the S3 client the plugin uses, abstracted
// so tests can inject a fake object store.
type S3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// newS3Uploader builds the production client. Tests swap it for a fake.
var newS3Uploader = func(ctx context.Context, region string) (S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// s3Plugin buffers a round's records and uploads them as one object on
// Flush, so a failed round never leaves a partial object behind.
type s3Plugin struct {
	huntID types.SessionID
	args   S3Args

	uploader S3Uploader
	buf      bytes.Buffer
	count    int
}

func newS3Plugin(huntID types.SessionID, args types.Document) (Plugin, error) {
	var a S3Args
	if err := args.Decode(&a); err != nil {
		return nil, fmt.Errorf("invalid s3 args: %w", err)
	}
	if a.Bucket == "" {
		return nil, fmt.Errorf("s3 plugin requires a bucket")
	}
	return &s3Plugin{huntID: huntID, args: a}, nil
}

func (p *s3Plugin) ProcessResults(ctx context.Context, results []types.Document) error {
	enc := json.NewEncoder(&p.buf)
	for _, doc := range results {
		if err := enc.Encode(NewRecord(p.huntID, doc)); err != nil {
			return fmt.Errorf("failed to buffer record: %w", err)
		}
		p.count++
	}
	return nil
}

func (p *s3Plugin) Flush(ctx context.Context) error {
	if p.count == 0 {
		return nil
	}

	if p.uploader == nil {
		uploader, err := newS3Uploader(ctx, p.args.Region)
		if err != nil {
			return fmt.Errorf("failed to build s3 client: %w", err)
		}
		p.uploader = uploader
	}

	key := fmt.Sprintf("%s%s/%d.jsonl", p.args.Prefix, string(p.huntID), time.Now().UnixMicro())
	_, err := p.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.args.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(p.buf.Bytes()),
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
