package file_store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/rnr-capital/newsfeed-alerts/utils"
)

const (
	DefaultRegion = "us-west-1"
	htmlExt       = ".html"
)

// Archive keeps the raw html of fetched pages.
type Archive interface {
	Store(ctx context.Context, url string, html []byte) (key string, err error)
}

type S3FileStore struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	svc      *s3.S3
}

func NewS3FileStore(bucket, region, prefix string) (*S3FileStore, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if region == "" {
		region = DefaultRegion
	}
	// AWS client session
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &S3FileStore{
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploader(sess),
		svc:      s3.New(sess),
	}, nil
}

// S3 key is md5 of the url
func GenerateS3KeyFromUrl(prefix, url string) (string, error) {
	hash, err := utils.TextToMd5Hash(url)
	if err != nil {
		return "", err
	}
	if len(hash) == 0 {
		return "", errors.New("generate empty s3 key, invalid")
	}
	return path.Join(prefix, hash+htmlExt), nil
}

// If url key existed, just return the existing key without update file
func (s *S3FileStore) Store(ctx context.Context, url string, html []byte) (string, error) {
	key, err := GenerateS3KeyFromUrl(s.prefix, url)
	if err != nil {
		return "", fmt.Errorf("failed to generate s3 key %w", err)
	}
	existed, err := s.IsKeyExisted(ctx, key)
	if err != nil {
		return "", err
	}
	if existed {
		return key, nil
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
		Metadata:    map[string]*string{"source-url": aws.String(url)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to s3 %w", err)
	}
	return key, nil
}

func (s *S3FileStore) IsKeyExisted(ctx context.Context, key string) (bool, error) {
	_, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var aerr awserr.RequestFailure
	if errors.As(err, &aerr) && aerr.StatusCode() == 404 {
		return false, nil
	}
	return false, err
}
