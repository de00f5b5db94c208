package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// 环境变量
const (
	// EnvLogLevel 日志级别：debug | info | warn | error
	EnvLogLevel = "WEBNODE_LOG_LEVEL"
	// EnvLogFormat 日志格式：text | json
	EnvLogFormat = "WEBNODE_LOG_FORMAT"
)

// Options 日志配置
type Options struct {
	Level  slog.Level
	JSON   bool
	Output io.Writer
}

// OptionsFromEnv 从环境变量解析日志配置
//
// 未设置时使用 info 级别、文本格式、stderr 输出。
func OptionsFromEnv() Options {
	opts := Options{Level: slog.LevelInfo, Output: os.Stderr}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	opts.JSON = strings.EqualFold(os.Getenv(EnvLogFormat), "json")
	return opts
}

// Configure 按配置替换默认 logger
func Configure(opts Options) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		SetDefault(NewJSON(opts.Output, hopts))
		return
	}
	SetDefault(New(opts.Output, hopts))
}

// ConfigureFromEnv 等价于 Configure(OptionsFromEnv())
func ConfigureFromEnv() {
	Configure(OptionsFromEnv())
}

// ParseLevel 解析日志级别名称
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
