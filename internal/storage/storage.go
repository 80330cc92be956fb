// Package storage mirrors generation artifacts into the gateway's bucket and
// removes them again when the retention trimmer evicts a user's history.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

type Store struct {
	cfg    Config
	client *s3.Client
}

func New(cfg Config) (*Store, error) {
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
		cfg.Prefix = "generations"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Store{
		cfg:    cfg,
		client: s3.New(options),
	}, nil
}

// Upload stores raw bytes and returns the public URL.
func (s *Store) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := s.generateKey(contentType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return s.cfg.PublicBaseURL + "/" + key, nil
}

// MirrorDataURI decodes an inline data URI and stores the payload, turning a
// megabyte-sized result string into a stable hosted URL.
func (s *Store) MirrorDataURI(ctx context.Context, dataURI string) (string, error) {
	rest, ok := strings.CutPrefix(dataURI, "data:")
	if !ok {
		return "", fmt.Errorf("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", fmt.Errorf("unsupported data uri encoding")
	}
	contentType := strings.TrimSuffix(meta, ";base64")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode data uri: %w", err)
	}
	return s.Upload(ctx, data, contentType)
}

// Owns reports whether the URL points into this store's bucket. Externally
// hosted results are never ours to delete.
func (s *Store) Owns(url string) bool {
	_, ok := s.keyFromURL(url)
	return ok
}

// Delete removes an owned artifact. Non-owned URLs are ignored.
func (s *Store) Delete(ctx context.Context, url string) error {
	key, ok := s.keyFromURL(url)
	if !ok {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	return nil
}

func (s *Store) keyFromURL(url string) (string, bool) {
	rest, ok := strings.CutPrefix(url, s.cfg.PublicBaseURL+"/")
	if !ok {
		return "", false
	}
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if !strings.HasPrefix(rest, prefix+"/") {
		return "", false
	}
	return rest, true
}

func (s *Store) generateKey(contentType string) string {
	ext := extensionFromContentType(contentType)
	now := time.Now().UTC()
	prefix := strings.Trim(s.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}
