package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 封装zap日志器，提供结构化日志功能
type Logger struct {
	*zap.Logger
	config Config
	file   *dailyWriter
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level" env:"LEVEL"`             // debug, info, warn, error
	Outputs    []string `yaml:"outputs" env:"OUTPUTS"`         // stdout, file
	Dir        string   `yaml:"dir" env:"DIR"`                 // 日志根目录，文件按 YYYYMM/YYYYMMDD.out 分区
	OutputFile string   `yaml:"output_file" env:"OUTPUT_FILE"` // 显式指定文件路径时忽略 Dir
	Format     string   `yaml:"format" env:"FORMAT"`           // json 或 console
	MaxSize    int      `yaml:"max_size"`                      // 单个日志文件最大MB
	MaxBackups int      `yaml:"max_backups"`                   // 保留的旧日志文件数
	MaxAge     int      `yaml:"max_age"`                       // 保留天数
	Compress   bool     `yaml:"compress"`
}

// DefaultConfig 返回默认配置
// 终端被行情展示占用，默认只写文件。
func DefaultConfig() Config {
	return Config{
		Level:      "debug",
		Outputs:    []string{"file"},
		Dir:        "logs",
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// FilePath 返回当天的日志文件路径。
func (c Config) FilePath(now time.Time) string {
	if c.OutputFile != "" {
		return c.OutputFile
	}
	dir := c.Dir
	if dir == "" {
		dir = "logs"
	}
	return filepath.Join(dir, now.Format("200601"), now.Format("20060102")+".out")
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cores := []zapcore.Core{}

	if contains(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// 文件输出：按日期切换文件，lumberjack 负责按大小滚动
	var file *dailyWriter
	if contains(cfg.Outputs, "file") {
		file = newDailyWriter(cfg, time.Now)
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath(time.Now())), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir failed: %w", err)
		}
		// 文件里不要颜色码
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig),
			zapcore.AddSync(file),
			level,
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured (got %q)", strings.Join(cfg.Outputs, ","))
	}

	core := zapcore.NewTee(cores...)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		Logger: zapLogger,
		config: cfg,
		file:   file,
	}, nil
}

// Wrap 用已有的 zap.Logger 构造 Logger（测试中配合 zaptest/observer 使用）。
func Wrap(l *zap.Logger) *Logger {
	return &Logger{Logger: l, config: DefaultConfig()}
}

// Component 返回带 component 字段的子日志器，注入到各组件。
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.With(zap.String("component", name))
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	if context == nil {
		context = make(map[string]interface{})
	}
	context["error"] = err.Error()

	zapFields := make([]zap.Field, 0, len(context))
	for k, v := range context {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	l.Error("error_event", zapFields...)
}

// Close 刷新并关闭日志文件
func (l *Logger) Close() error {
	err := l.Sync()
	if l.file != nil {
		err = errors.Join(err, l.file.Close())
	}
	return err
}

// dailyWriter 写入当天的日志文件，跨天后自动切到新的 YYYYMM/YYYYMMDD.out。
type dailyWriter struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	path string
	out  *lumberjack.Logger
}

func newDailyWriter(cfg Config, now func() time.Time) *dailyWriter {
	return &dailyWriter{cfg: cfg, now: now}
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.cfg.FilePath(w.now())
	if w.out == nil || path != w.path {
		if w.out != nil {
			_ = w.out.Close()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, fmt.Errorf("create log dir failed: %w", err)
		}
		w.path = path
		w.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    w.cfg.MaxSize,
			MaxBackups: w.cfg.MaxBackups,
			MaxAge:     w.cfg.MaxAge,
			Compress:   w.cfg.Compress,
		}
	}
	return w.out.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
