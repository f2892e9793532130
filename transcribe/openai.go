package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const defaultOpenAIURL = "https://api.openai.com"

type OpenAIConfig struct {
	APIKey string
	// Model defaults to whisper-1
	Model string
	// BaseURL defaults to the public API
	BaseURL    string
	MaxRetries int
	Logger     *zap.Logger
}

// OpenAIBackend calls the audio transcriptions endpoint
type OpenAIBackend struct {
	apiKey  string
	model   string
	baseURL string
	http    *retryablehttp.Client
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.MaxRetries
	hc.RetryWaitMin = time.Second
	hc.RetryWaitMax = 30 * time.Second
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = nil
	hc.HTTPClient.Timeout = 60 * time.Minute
	hc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			cfg.Logger.Warn("retrying transcription request", zap.String("url", req.URL.Path), zap.Int("attempt", attempt))
		}
	}

	return &OpenAIBackend{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
	}, nil
}

type openAIResp struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (o *OpenAIBackend) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return Transcript{}, err
	}

	defer f.Close()

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", o.model); err != nil {
		return Transcript{}, err
	}

	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return Transcript{}, err
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Transcript{}, err
	}

	if _, err := io.Copy(fw, f); err != nil {
		return Transcript{}, err
	}

	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/audio/transcriptions", body.Bytes())
	if err != nil {
		return Transcript{}, err
	}

	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.http.Do(req)
	if err != nil {
		return Transcript{}, err
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Transcript{}, fmt.Errorf("openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var or openAIResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return Transcript{}, err
	}

	t := Transcript{
		Language: or.Language,
		Duration: time.Duration(or.Duration * float64(time.Second)),
	}

	for _, s := range or.Segments {
		t.Segments = append(t.Segments, Segment{StartSec: s.Start, EndSec: s.End, Text: s.Text})
	}

	// without segment timings the whole text becomes one segment
	if len(t.Segments) == 0 {
		t.Segments = []Segment{{Text: or.Text}}
	}

	return t, nil
}
