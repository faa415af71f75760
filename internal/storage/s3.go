package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxLinkTTL is the longest validity a SigV4 presigned URL may have.
const MaxLinkTTL = 7 * 24 * time.Hour

type S3Options struct {
	Bucket    string
	KeyPrefix string
	LinkTTL   time.Duration
	Logger    *logrus.Logger
}

// S3Service uploads downloads to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	opts     S3Options
}

func NewS3Service(client *s3.Client, opts S3Options) *S3Service {
	if opts.LinkTTL <= 0 || opts.LinkTTL > MaxLinkTTL {
		opts.LinkTTL = MaxLinkTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		opts:     opts,
	}
}

func (s *S3Service) Upload(ctx context.Context, localPath, name, destination string) (string, error) {
	target, err := ParseDestination(destination, Target{Bucket: s.opts.Bucket, Prefix: s.opts.KeyPrefix})
	if err != nil {
		return "", err
	}
	if target.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open file %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file %s: %w", localPath, err)
	}

	key := ObjectKey(target.Prefix, uuid.NewString(), name)
	logger := s.opts.Logger.WithFields(logrus.Fields{"bucket": target.Bucket, "key": key})

	progress := newUploadProgress(info.Size(), logger)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        io.TeeReader(f, progress),
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	progress.done()

	return s.PresignURL(ctx, target.Bucket, key)
}

// PresignURL returns a time limited GET link for the object.
func (s *S3Service) PresignURL(ctx context.Context, bucket, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.opts.LinkTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Service) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if s.opts.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
	}
	if strings.TrimSpace(prefix) != "" {
		input.Prefix = aws.String(prefix)
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

var _ Service = (*S3Service)(nil)

func contentType(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(strings.ToLower(name), ".mkv"):
		return "video/x-matroska"
	case strings.HasSuffix(strings.ToLower(name), ".ts"):
		return "video/mp2t"
	}
	return "application/octet-stream"
}

// uploadProgress counts bytes the uploader reads from the body and logs
// at most once per interval. done logs the final count.
type uploadProgress struct {
	mu       sync.Mutex
	total    int64
	sent     int64
	interval time.Duration
	lastLog  time.Time
	log      func(sent, total int64)
}

func newUploadProgress(total int64, logger *logrus.Entry) *uploadProgress {
	return &uploadProgress{
		total:    total,
		interval: 2 * time.Second,
		log: func(sent, total int64) {
			if total == 0 {
				logger.Infof("upload progress: %s uploaded", humanize.IBytes(uint64(sent)))
				return
			}
			percent := float64(sent) / float64(total) * 100
			logger.Infof("upload progress: %.1f%% (%s/%s)", percent, humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)))
		},
	}
}

func (p *uploadProgress) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent += int64(len(b))
	if now := time.Now(); now.Sub(p.lastLog) >= p.interval {
		p.lastLog = now
		p.log(p.sent, p.total)
	}
	return len(b), nil
}

func (p *uploadProgress) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log(p.sent, p.total)
}
