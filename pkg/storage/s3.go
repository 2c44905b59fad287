// Package storage uploads converted clips to S3 and presigns time-limited
// playback URLs for them.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FolderClips is the S3 prefix for converted clips.
const FolderClips = "clips"

// S3Config holds S3 client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ClipsBucket     string
}

// S3 provides clip uploads and pre-signed playback URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using static credentials from config when set,
// falling back to the default credential chain otherwise.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	logger.Info("S3 client ready", zap.String("region", cfg.Region), zap.String("clips_bucket", cfg.ClipsBucket))
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ClipKey returns the S3 object key for a converted clip, derived from its
// media ID: clips/<mediaID>.mp4.
func ClipKey(mediaID string) string {
	return path.Join(FolderClips, strings.TrimSuffix(mediaID, ".mp4")+".mp4")
}

// UploadClip streams a local file to the clips bucket.
func (s *S3) UploadClip(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.ClipsBucket),
		Key:         aws.String(key),
		ContentType: aws.String("video/mp4"),
		Body:        f,
	})
	if err != nil {
		return fmt.Errorf("upload clip: %w", err)
	}
	s.logger.Debug("clip uploaded", zap.String("key", key), zap.String("bucket", s.cfg.ClipsBucket))
	return nil
}

// PresignClip returns a pre-signed GET URL for a clip, valid for expires.
func (s *S3) PresignClip(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.ClipsBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}
