// Package objectstore implements presigned URLs, upload, delete, and
// stall-aware ranged parallel download against an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// S3API is the subset of the S3 client the store needs, grounded on the
// pack's convention of abstracting the SDK client behind a narrow interface
// for testability rather than depending on *s3.Client directly.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)

	// The remaining methods exist only so Upload can hand the same client to
	// manager.Uploader, which needs multipart support for large reports.
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Client is the object store client.
type Client struct {
	api         S3API
	presign     *s3.PresignClient
	bucket      string
	chunkSize   int64
	concurrency int
	stallPeriod time.Duration
	retries     int
}

// Option customizes a Client.
type Option func(*Client)

// WithChunkSize sets the byte-range chunk size for ranged parallel download.
func WithChunkSize(n int64) Option { return func(c *Client) { c.chunkSize = n } }

// WithConcurrency sets the number of concurrent range-GET workers.
func WithConcurrency(n int) Option { return func(c *Client) { c.concurrency = n } }

// WithStallTimeout sets how long a chunk may go without progress before
// it's aborted and retried (default 45s).
func WithStallTimeout(d time.Duration) Option { return func(c *Client) { c.stallPeriod = d } }

// WithChunkRetries sets the per-chunk retry budget.
func WithChunkRetries(n int) Option { return func(c *Client) { c.retries = n } }

// New constructs a Client backed by api against the given bucket.
func New(api S3API, presign *s3.PresignClient, bucket string, opts ...Option) *Client {
	c := &Client{
		api:         api,
		presign:     presign,
		bucket:      bucket,
		chunkSize:   8 << 20, // 8 MiB
		concurrency: 4,
		stallPeriod: 45 * time.Second,
		retries:     3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PresignUpload returns a short-lived URL the caller may PUT to directly.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify("objectstore.PresignUpload", err)
	}
	return req.URL, nil
}

// PresignDownload returns a short-lived URL the caller may GET directly,
// optionally forcing a Content-Disposition download filename.
func (c *Client) PresignDownload(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if downloadFilename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf(`attachment; filename="%s"`, downloadFilename))
	}
	req, err := c.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify("objectstore.PresignDownload", err)
	}
	return req.URL, nil
}

// Upload writes data to key with the given content type, using
// manager.Uploader so reports larger than the single-PUT limit transparently
// fall back to a multipart upload.
func (c *Client) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	uploader := manager.NewUploader(c.api)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classify("objectstore.Upload", err)
	}
	return nil
}

// Download returns a reader over the full object at key, for small
// artifacts (like an assembled report) that don't need the ranged
// parallel fetch DownloadRanged provides for large source videos. The
// caller must close the returned reader.
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("objectstore.Download", err)
	}
	return out.Body, nil
}

// Delete removes the object at key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("objectstore.Delete", err)
	}
	return nil
}

// Exists reports whether key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if werr.Is(classify("objectstore.Exists", err), werr.NotFound) {
		return false, nil
	}
	return false, classify("objectstore.Exists", err)
}

// DownloadProgress reports cumulative bytes received against the object's
// total Content-Length.
type DownloadProgress struct {
	BytesReceived int64
	TotalBytes    int64
}

// OnDownloadProgress is invoked as ranged chunks make progress.
type OnDownloadProgress func(DownloadProgress)

// DownloadOptions configures DownloadRanged for a single call, falling
// back to the Client's defaults when left zero.
type DownloadOptions struct {
	ChunkSize   int64
	Concurrency int
	OnProgress  OnDownloadProgress
}

// DownloadRanged splits key by Content-Length into chunks and downloads
// them concurrently via byte-range GETs, writing each chunk to its offset
// in dest. A chunk that stalls (no bytes for the configured stall period)
// is aborted and retried up to the configured chunk-retry budget.
func (c *Client) DownloadRanged(ctx context.Context, key, dest string, opts DownloadOptions) error {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.chunkSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = c.concurrency
	}

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return classify("objectstore.DownloadRanged", err)
	}
	total := aws.ToInt64(head.ContentLength)
	if total <= 0 {
		return werr.Newf(werr.Internal, "objectstore.DownloadRanged", "object %q has no Content-Length", key)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return werr.New(werr.Internal, "objectstore.DownloadRanged", err)
	}
	defer f.Close()
	if err := f.Truncate(total); err != nil {
		return werr.New(werr.Internal, "objectstore.DownloadRanged", err)
	}

	var received progressCounter
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for start := int64(0); start < total; start += chunkSize {
		start := start
		end := start + chunkSize - 1
		if end >= total {
			end = total - 1
		}
		g.Go(func() error {
			return c.downloadChunkWithRetry(gctx, key, f, start, end, &received, total, opts.OnProgress)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

type progressCounter struct{ n atomic.Int64 }

func (c *Client) downloadChunkWithRetry(ctx context.Context, key string, f *os.File, start, end int64, received *progressCounter, total int64, onProgress OnDownloadProgress) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		err := c.downloadChunkOnce(ctx, key, f, start, end, received, total, onProgress)
		if err == nil {
			return nil
		}
		lastErr = err
		if !werr.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return werr.New(werr.Cancelled, "objectstore.downloadChunk", ctx.Err())
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}
	return lastErr
}

func (c *Client) downloadChunkOnce(ctx context.Context, key string, f *os.File, start, end int64, received *progressCounter, total int64, onProgress OnDownloadProgress) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return classify("objectstore.downloadChunk", err)
	}
	defer out.Body.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stalled := make(chan struct{})
	progress := make(chan int64, 1)
	go watchForStall(ctx, cancel, c.stallPeriod, progress, stalled)

	writer := io.NewOffsetWriter(f, start)
	buf := make([]byte, 32*1024)
	var chunkReceived int64
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			if _, werr2 := writer.Write(buf[:n]); werr2 != nil {
				return werr.New(werr.Internal, "objectstore.downloadChunk", werr2)
			}
			chunkReceived += int64(n)
			newTotal := received.add(int64(n))
			select {
			case progress <- chunkReceived:
			default:
			}
			if onProgress != nil {
				onProgress(DownloadProgress{BytesReceived: newTotal, TotalBytes: total})
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			select {
			case <-stalled:
				return werr.Newf(werr.Timeout, "objectstore.downloadChunk", "chunk [%d-%d] stalled", start, end)
			default:
			}
			return classify("objectstore.downloadChunk", readErr)
		}
	}
}

func watchForStall(ctx context.Context, cancel context.CancelFunc, period time.Duration, progress <-chan int64, stalled chan<- struct{}) {
	timer := time.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-progress:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(period)
		case <-timer.C:
			close(stalled)
			cancel()
			return
		}
	}
}

func (p *progressCounter) add(n int64) int64 {
	return p.n.Add(n)
}

// classify maps an S3/smithy error into a werr.Kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "NoSuchKey" || code == "NotFound" || strings.Contains(code, "NotFound"):
			return werr.New(werr.NotFound, op, err)
		case code == "AccessDenied":
			return werr.New(werr.PermissionDenied, op, err)
		case code == "SlowDown" || code == "TooManyRequests" || code == "RequestTimeout":
			return werr.New(werr.TransientExternal, op, err)
		}
	}
	var httpStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &httpStatus) {
		code := httpStatus.HTTPStatusCode()
		switch {
		case code == 404:
			return werr.New(werr.NotFound, op, err)
		case code == 403:
			return werr.New(werr.PermissionDenied, op, err)
		case code == 429 || code >= 500:
			return werr.New(werr.TransientExternal, op, err)
		case code >= 400:
			return werr.New(werr.PermanentExternal, op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return werr.New(werr.Timeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return werr.New(werr.Cancelled, op, err)
	}
	return werr.New(werr.TransientExternal, op, err)
}
