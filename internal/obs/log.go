package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel maps a config value to a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var (
	base     = log.New(os.Stdout, "", 0)
	minLevel atomic.Int32
)

func init() { minLevel.Store(int32(LevelInfo)) }

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		SetLevel(LevelDebug)
		return
	}
	SetLevel(LevelInfo)
}

func SetLevel(l Level) { minLevel.Store(int32(l)) }

func Enabled(l Level) bool { return int32(l) >= minLevel.Load() }

// SetOutput redirects every log line to w.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// OpenFile sends logs to a size-rotated file. path stays a symlink to the current file.
func OpenFile(path string, maxSize int64, keep uint) (io.WriteCloser, error) {
	opts := []rotatelogs.Option{rotatelogs.WithLinkName(path)}
	if maxSize > 0 {
		opts = append(opts, rotatelogs.WithRotationSize(maxSize))
	}
	if keep > 0 {
		opts = append(opts, rotatelogs.WithRotationCount(keep))
	}
	w, err := rotatelogs.New(path+".%Y%m%d%H%M", opts...)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	SetOutput(w)
	return w, nil
}

type Fields map[string]any

func logWith(level Level, msg string, f Fields) {
	if !Enabled(level) {
		return
	}
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level.String()
	f["msg"] = msg
	b, err := json.Marshal(f)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith(LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(LevelDebug, msg, f) }
