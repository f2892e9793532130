// Package client uploads audio files to the chunked upload API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
)

// APIError is a non 2xx answer from the server after retries were exhausted
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// NewRetryableClient returns an HTTP client retrying connection errors, 429
// and 5xx responses with exponential backoff. Other 4xx answers are final, and
// so is any answer to a request sent with a context from withoutRetries.
func NewRetryableClient(maxRetries int, waitMin, waitMax time.Duration, log *zap.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = maxRetries
	c.RetryWaitMin = waitMin
	c.RetryWaitMax = waitMax
	c.Backoff = retryablehttp.DefaultBackoff
	c.CheckRetry = retryPolicy
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = leveledLogger{s: log.Sugar()}
	c.HTTPClient.Timeout = 5 * time.Minute

	return c
}

type noRetryKey struct{}

// withoutRetries marks a request that must reach the server at most once
func withoutRetries(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type api struct {
	http    *retryablehttp.Client
	baseURL string
}

func (a *api) initialize(ctx context.Context, req models.InitializeUploadRequest) (models.InitializeUploadResponse, error) {
	var ans models.InitializeUploadResponse

	body, err := json.Marshal(req)
	if err != nil {
		return ans, err
	}

	// a failed attempt may still have created a session, and a retry would
	// leave it orphaned until it expires
	err = a.call(withoutRetries(ctx), http.MethodPost, "/chunked/initialize", "application/json", body, &ans)

	return ans, err
}

func (a *api) uploadChunk(ctx context.Context, uploadID string, index, totalChunks int, chunk []byte) (models.ChunkUploadResponse, error) {
	var (
		ans models.ChunkUploadResponse
		buf bytes.Buffer
	)

	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"uploadId", uploadID},
		{"chunkIndex", strconv.Itoa(index)},
		{"totalChunks", strconv.Itoa(totalChunks)},
	}

	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return ans, err
		}
	}

	fw, err := mw.CreateFormFile("chunk", "chunk_"+strconv.Itoa(index))
	if err != nil {
		return ans, err
	}

	if _, err := fw.Write(chunk); err != nil {
		return ans, err
	}

	if err := mw.Close(); err != nil {
		return ans, err
	}

	err = a.call(ctx, http.MethodPost, "/chunked/upload", mw.FormDataContentType(), buf.Bytes(), &ans)

	return ans, err
}

func (a *api) finalize(ctx context.Context, uploadID string) (models.AudioFileResponse, error) {
	var ans models.AudioFileResponse

	err := a.call(ctx, http.MethodPost, "/chunked/finalize/"+url.PathEscape(uploadID), "", nil, &ans)

	return ans, err
}

func (a *api) cancel(ctx context.Context, uploadID string) error {
	var ans models.MessageResponse

	return a.call(ctx, http.MethodDelete, "/chunked/cancel/"+url.PathEscape(uploadID), "", nil, &ans)
}

func (a *api) status(ctx context.Context, uploadID string) (models.UploadStatusResponse, error) {
	var ans models.UploadStatusResponse

	err := a.call(ctx, http.MethodGet, "/chunked/status/"+url.PathEscape(uploadID), "", nil, &ans)

	return ans, err
}

// call sends the request and decodes a 2xx JSON answer into out. body is a
// byte slice so it can be replayed on every retry.
func (a *api) call(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var rawBody any
	if body != nil {
		rawBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, strings.TrimRight(a.baseURL, "/")+path, rawBody)
	if err != nil {
		return err
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unwrapError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var apiErr models.APIError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
