// Package artifacts archives submission proof. Workers attach a
// screenshot of the confirmation page to their result payload; the
// archiver stores the original plus a thumbnail for the support
// dashboard, in S3 or a local directory for dev.
package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"submission-pipeline/internal/config"
)

// screenshotKey is the result payload field workers put proof under.
const screenshotKey = "screenshot_b64"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver stores submission screenshots and thumbnails.
type Archiver struct {
	thumbWidth int
	dest       uploader
}

// New constructs an archiver. With a bucket configured it writes to S3,
// otherwise to the local artifact directory.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	thumbWidth := cfg.ArtifactThumbWidth
	if thumbWidth <= 0 {
		thumbWidth = 320
	}

	var dest uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dest = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	} else {
		dest = &localUploader{baseDir: cfg.ArtifactLocalDir}
	}

	return &Archiver{thumbWidth: thumbWidth, dest: dest}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Archive decodes the screenshot from a result payload, stores the
// original and a thumbnail, and returns the original's reference. ok is
// false when the payload carries no screenshot.
func (a *Archiver) Archive(ctx context.Context, jobID, taskID string, payload map[string]any) (string, bool, error) {
	encoded, found := payload[screenshotKey].(string)
	if !found || encoded == "" {
		return "", false, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false, fmt.Errorf("decode screenshot: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false, fmt.Errorf("decode screenshot image: %w", err)
	}

	ext, outputFormat, contentType := formatInfo(format)
	key := fmt.Sprintf("%s/%s.%s", jobID, taskID, ext)

	ref, err := a.dest.Upload(ctx, key, data, contentType)
	if err != nil {
		return "", false, fmt.Errorf("upload screenshot: %w", err)
	}

	// Thumbnail for the dashboard list view. Height follows aspect ratio.
	thumb := imaging.Resize(img, a.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", false, fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbKey := fmt.Sprintf("%s/%s_thumb.%s", jobID, taskID, ext)
	if _, err := a.dest.Upload(ctx, thumbKey, buf.Bytes(), contentType); err != nil {
		return "", false, fmt.Errorf("upload thumbnail: %w", err)
	}

	return ref, true, nil
}

func formatInfo(decoded string) (ext string, format imaging.Format, contentType string) {
	switch strings.ToLower(decoded) {
	case "png":
		return "png", imaging.PNG, "image/png"
	case "gif":
		return "gif", imaging.GIF, "image/gif"
	}
	return "jpg", imaging.JPEG, "image/jpeg"
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
