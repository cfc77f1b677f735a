package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// 输出目标
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// 日志格式
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config 日志配置
type Config struct {
	Level   string `json:"level" yaml:"level"`
	Format  string `json:"format" yaml:"format"`
	Output  string `json:"output" yaml:"output"` // stdout / stderr / 文件路径
	NoColor bool   `json:"no_color" yaml:"no_color"`
}

// Setup 按配置创建进程级 logrus 实例并设为默认 Logger
// 返回的 io.Closer 用于关闭日志文件（输出到终端时为空操作）
func Setup(cfg Config) (io.Closer, error) {
	l := logrus.New()

	level, silent, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", OutputStdout:
		out = os.Stdout
	case OutputStderr:
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}
	if silent {
		out = io.Discard
	}
	l.SetOutput(out)

	if cfg.Format == FormatJSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
			ForceColors:     !cfg.NoColor && isTerminal(out),
			DisableColors:   cfg.NoColor || !isTerminal(out),
		})
	}

	SetDefaultFromLogrus(l)
	return closer, nil
}

// parseLevel 解析日志级别，OFF 表示完全静默
func parseLevel(s string) (logrus.Level, bool, error) {
	if s == "" {
		return logrus.InfoLevel, false, nil
	}
	if strings.EqualFold(s, "off") {
		return logrus.PanicLevel, true, nil
	}
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return logrus.InfoLevel, false, fmt.Errorf("invalid log level: %s", s)
	}
	return level, false, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
