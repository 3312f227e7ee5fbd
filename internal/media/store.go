package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store stages uploaded media somewhere platforms can fetch it and returns the public URL.
type Store interface {
	Put(ctx context.Context, userID, filename, contentType string, body io.Reader) (string, error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string // optional, for S3-compatible stores such as R2 or MinIO
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

type S3Store struct {
	client        putObjectAPI
	bucket        string
	publicBaseURL string
	now           func() time.Time
}

// NewS3Store loads the default AWS config chain, preferring static keys when set.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("media bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.PublicBaseURL), nil
}

func newS3Store(client putObjectAPI, bucket, publicBaseURL string) *S3Store {
	return &S3Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		now:           time.Now,
	}
}

func (s *S3Store) Put(ctx context.Context, userID, filename, contentType string, body io.Reader) (string, error) {
	key := s.objectKey(userID, filename)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("could not upload media to bucket %s: %w", s.bucket, err)
	}
	log.Printf("[MediaStore] stored userId=%s key=%s", userID, key)
	return s.publicURL(key), nil
}

func (s *S3Store) objectKey(userID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	name := fmt.Sprintf("%d-%s%s", s.now().UnixNano(), uuid.NewString(), ext)
	return path.Join("users", safeSegment(userID), "media", name)
}

func (s *S3Store) publicURL(key string) string {
	if s.publicBaseURL == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key)
	}
	return s.publicBaseURL + "/" + key
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
