package media

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// S3Options configures the media mirror bucket.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// S3Mirror archives a copy of every fetched file to an S3-compatible bucket.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror loads the default AWS credential chain and builds a client
// for opts. A custom Endpoint targets MinIO or LocalStack.
func NewS3Mirror(ctx context.Context, opts S3Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Mirror{client: client, bucket: opts.Bucket, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

// Put uploads f under key and returns its s3:// location.
func (m *S3Mirror) Put(ctx context.Context, key string, f *File) (string, error) {
	body, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer body.Close()

	if m.prefix != "" {
		key = m.prefix + "/" + key
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(f.Size),
	}
	if f.MimeType != "" {
		in.ContentType = aws.String(f.MimeType)
	}
	if _, err := m.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// mirroringRetriever wraps a Retriever and copies every fetched file to S3.
// Mirror failures are logged and never fail the fetch.
type mirroringRetriever struct {
	next   Retriever
	mirror *S3Mirror
	log    zerolog.Logger
}

// WithMirror decorates r so fetched files are archived to m.
func WithMirror(r Retriever, m *S3Mirror, log zerolog.Logger) Retriever {
	if m == nil {
		return r
	}
	return &mirroringRetriever{next: r, mirror: m, log: log.With().Str("component", "media_mirror").Logger()}
}

func (r *mirroringRetriever) Fetch(ctx context.Context, acc domain.Account, item domain.MediaItem) (*File, error) {
	f, err := r.next.Fetch(ctx, acc, item)
	if err != nil {
		return nil, err
	}
	key := mirrorKey(acc.ID, item.FileRef, f.Name)
	if loc, err := r.mirror.Put(ctx, key, f); err != nil {
		r.log.Warn().Err(err).Str("account_id", acc.ID).Str("key", key).Msg("mirror upload failed")
	} else {
		r.log.Debug().Str("location", loc).Msg("media mirrored")
	}
	return f, nil
}

func mirrorKey(accountID, fileRef, name string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}
	key := path.Join(clean(accountID), clean(fileRef))
	if ext := path.Ext(name); ext != "" {
		key += ext
	}
	return key
}
