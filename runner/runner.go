package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	RunModeWeb = iota + 1
	RunModeReap
	RunModeUpload
)

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Debug          bool
	Dsn            string
	MigrationsDir  string
	DataFolder     string
	Addr           string
	AllowedOrigins []string
	ReapInterval   time.Duration
	RunMode        int
	Logger         *zap.Logger

	// upload mode
	UploadFile string
	ServerURL  string
	ResumeID   string
	MimeType   string

	// processing
	OpenAIKey    string
	OpenAIModel  string
	OpenAIURL    string
	FFmpegBinary string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	S3Bucket     string
	S3Prefix     string
	S3Endpoint   string
}

// ParseConfig reads the process flags. Invalid combinations are fatal.
func ParseConfig() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		panic(err)
	}

	return cfg
}

// Parse reads args into a Config. Values not given on the command line fall
// back to the environment.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Config{}

	var (
		origins string
		reap    bool
		server  bool
	)

	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&cfg.Dsn, "dsn", "", "database: empty for sqlite in the data folder, a sqlite path, a postgres:// url or 'memory'")
	fs.StringVar(&cfg.MigrationsDir, "migrations", "", "postgres migrations directory [default: embedded]")
	fs.StringVar(&cfg.DataFolder, "data-folder", "webdata", "folder holding chunks, audio files and the sqlite database")
	fs.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for web server")
	fs.StringVar(&origins, "allowed-origins", "", "comma separated list of CORS origins [default: none]")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", 15*time.Minute, "in-process reaper interval when redis is not configured, 0 disables")
	fs.BoolVar(&reap, "reap", false, "expire stale upload sessions once and exit")
	fs.StringVar(&cfg.UploadFile, "upload", "", "upload a local audio file to -server and exit")
	fs.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "server used by -upload")
	fs.StringVar(&cfg.ResumeID, "resume", "", "resume the given upload session instead of starting a new one")
	fs.StringVar(&cfg.MimeType, "mime-type", "", "mime type of -upload [default: derived from the extension]")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", "whisper-1", "transcription model")
	fs.StringVar(&cfg.FFmpegBinary, "ffmpeg", "ffmpeg", "ffmpeg binary used to compress audio before transcription")
	fs.BoolVar(&server, "web", false, "run the web server [default when no other mode is given]")
	fs.StringVar(&cfg.AwsAccessKey, "aws-access-key", "", "AWS access key")
	fs.StringVar(&cfg.AwsSecretKey, "aws-secret-key", "", "AWS secret key")
	fs.StringVar(&cfg.AwsRegion, "aws-region", "", "AWS region")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 bucket receiving a copy of every finalized file")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", "audio", "S3 key prefix")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "S3 compatible endpoint [default: AWS]")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fromEnv(&cfg.AwsAccessKey, "MY_AWS_ACCESS_KEY")
	fromEnv(&cfg.AwsSecretKey, "MY_AWS_SECRET_KEY")
	fromEnv(&cfg.AwsRegion, "MY_AWS_REGION")
	fromEnv(&cfg.S3Bucket, "MY_AWS_S3_BUCKET")
	fromEnv(&cfg.OpenAIKey, "OPENAI_API_KEY")
	fromEnv(&cfg.OpenAIURL, "OPENAI_BASE_URL")
	fromEnv(&cfg.Dsn, "DATABASE_URL")

	if origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.ReapInterval < 0 {
		return nil, errors.New("reap-interval must not be negative")
	}

	if cfg.ResumeID != "" && cfg.UploadFile == "" {
		return nil, errors.New("resume requires -upload with the original file")
	}

	switch {
	case cfg.UploadFile != "" && (reap || server):
		return nil, fmt.Errorf("%w: -upload cannot be combined with -reap or -web", ErrInvalidRunMode)
	case reap && server:
		return nil, fmt.Errorf("%w: -reap cannot be combined with -web", ErrInvalidRunMode)
	case cfg.UploadFile != "":
		cfg.RunMode = RunModeUpload
	case reap:
		cfg.RunMode = RunModeReap
	default:
		cfg.RunMode = RunModeWeb
	}

	return &cfg, nil
}

// S3Enabled reports whether finalized files are mirrored to a bucket
func (c *Config) S3Enabled() bool {
	return c.AwsAccessKey != "" && c.AwsSecretKey != "" && c.AwsRegion != "" && c.S3Bucket != ""
}

func fromEnv(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(int(os.Stderr.Fd()))
		if err != nil {
			width = 80
		}
	}

	width = max(width, 20)
	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		paddingRight := max(contentWidth-runewidth.StringWidth(line), 0)

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

// Banner prints the startup banner for the selected mode to w
func Banner(w io.Writer, cfg *Config) {
	messages := []string{"🎙️ Meeting Transcriber"}

	switch cfg.RunMode {
	case RunModeWeb:
		messages = append(messages, "📡 chunked upload API on "+cfg.Addr)
	case RunModeReap:
		messages = append(messages, "🧹 expiring stale upload sessions")
	case RunModeUpload:
		messages = append(messages, "⬆️ uploading "+cfg.UploadFile+" to "+cfg.ServerURL)
	}

	if cfg.Debug {
		messages = append(messages, "🐞 debug logging enabled")
	}

	fmt.Fprintln(w, banner(messages, 0))
}
