package ssvep

import (
	"io"
	"log/slog"
	"strings"
)

// SetupLogging 设置全局 slog，level 不认识时按 info 处理
func SetupLogging(level string, w io.Writer) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)
	return logger
}

// ErrAttr 只记录错误信息本身
// pkg/errors 的错误在 TextHandler 里会按 %+v 打出整个调用栈
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
