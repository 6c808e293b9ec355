package alert

import (
	"go.uber.org/zap"
)

// LogChannel 把告警写入结构化日志。终端由行情展示占用，告警不直接打印到控制台。
type LogChannel struct {
	logger *zap.Logger
	name   string
}

func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger, name: name}
}

// Send 按告警级别映射日志级别
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+2)
	fields = append(fields, zap.String("alert_level", string(alert.Level)), zap.Time("alert_time", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	msg := "[ALERT] " + alert.Message
	switch alert.Level {
	case LevelCritical:
		c.logger.Error(msg, fields...)
	case LevelWarning:
		c.logger.Warn(msg, fields...)
	default:
		c.logger.Info(msg, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string {
	return c.name
}
