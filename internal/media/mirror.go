// Package media copies provider outputs into the service's own S3 bucket,
// since provider delivery URLs expire.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	defaultPrefix      = "generations"
	defaultMaxBytes    = 200 << 20
	defaultContentType = "application/octet-stream"
)

var extensions = map[string]string{
	"image/png":   ".png",
	"image/jpeg":  ".jpg",
	"image/webp":  ".webp",
	"image/gif":   ".gif",
	"video/mp4":   ".mp4",
	"video/webm":  ".webm",
	"audio/mpeg":  ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
}

// Config describes the destination bucket.
type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	MaxBytes      int64
}

// Mirror downloads media and stores it under the bucket.
type Mirror struct {
	cfg        Config
	client     *s3.Client
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the mirror logger.
func WithLogger(logger *zap.Logger) Option {
	return func(mirror *Mirror) {
		if logger != nil {
			mirror.logger = logger
		}
	}
}

// WithHTTPClient replaces the client used to download media.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(mirror *Mirror) {
		if httpClient != nil {
			mirror.httpClient = httpClient
		}
	}
}

// WithClock replaces the clock used for object key dates.
func WithClock(now func() time.Time) Option {
	return func(mirror *Mirror) {
		if now != nil {
			mirror.now = now
		}
	}
}

// NewMirror validates cfg and builds the S3 client.
func NewMirror(cfg Config, options ...Option) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	s3Options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		s3Options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	mirror := &Mirror{
		cfg:        cfg,
		client:     s3.New(s3Options),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(mirror)
		}
	}
	return mirror, nil
}

// Mirror copies every url and returns the public URLs in the same order.
func (mirror *Mirror) Mirror(ctx context.Context, generationID string, urls []string) ([]string, error) {
	mirrored := make([]string, 0, len(urls))
	for index, sourceURL := range urls {
		data, contentType, err := mirror.download(ctx, sourceURL)
		if err != nil {
			return nil, err
		}
		key := mirror.objectKey(generationID, index, contentType)
		_, err = mirror.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(mirror.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return nil, fmt.Errorf("upload to s3: %w", err)
		}
		publicURL := strings.TrimRight(mirror.cfg.PublicBaseURL, "/") + "/" + key
		mirror.logger.Debug("media mirrored",
			zap.String("generation_id", generationID),
			zap.String("key", key),
			zap.Int("bytes", len(data)))
		mirrored = append(mirrored, publicURL)
	}
	return mirrored, nil
}

func (mirror *Mirror) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new media request: %w", err)
	}
	response, err := mirror.httpClient.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", response.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, mirror.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > mirror.cfg.MaxBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", mirror.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("media is empty")
	}
	contentType := response.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	} else {
		contentType = http.DetectContentType(data)
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mediaType
		}
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	return data, contentType, nil
}

func (mirror *Mirror) objectKey(generationID string, index int, contentType string) string {
	extension, ok := extensions[strings.ToLower(contentType)]
	if !ok {
		extension = ".bin"
	}
	now := mirror.now()
	prefix := strings.Trim(mirror.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		fmt.Sprintf("%s-%d%s", generationID, index, extension))
}
