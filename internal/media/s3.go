package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3API is the minimal S3 interface required by S3Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps attachments in an S3 bucket. Objects are written with
// If-None-Match so a retried upload never replaces an existing copy.
type S3Store struct {
	api     s3API
	bucket  string
	prefix  string
	baseURL string
}

// NewS3Store stores objects under prefix in bucket. References are
// baseURL/key when baseURL is set and s3://bucket/key otherwise.
func NewS3Store(api s3API, bucket, prefix, baseURL string) (*S3Store, error) {
	if api == nil {
		return nil, errors.New("media: s3 client must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("media: bucket must not be empty")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		api:     api,
		bucket:  bucket,
		prefix:  prefix,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}, nil
}

// Put uploads data unless an object with the same content already exists.
func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("media: empty content")
	}
	key := s.prefix + objectName(data, contentType)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil && !alreadyStored(err) {
		return "", fmt.Errorf("media: put s3://%s/%s: %w", s.bucket, key, err)
	}
	return s.ref(key), nil
}

func (s *S3Store) ref(key string) string {
	if s.baseURL == "" {
		return "s3://" + s.bucket + "/" + key
	}
	return s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

// alreadyStored reports the If-None-Match rejection for an existing key.
// Keys are content addresses, so the stored object has the same bytes.
func alreadyStored(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
