package sham

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

func init() {
	// Setup logrus
	//log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(log.InfoLevel)
}

// SetupLogging 按配置设置 logrus 的级别和格式。空字段保持现状。
func SetupLogging(config LogConfig) error {
	if config.Level != "" {
		level, err := log.ParseLevel(config.Level)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		log.SetLevel(level)
	}

	switch strings.ToLower(config.Format) {
	case "":
	case "text":
		log.SetFormatter(&log.TextFormatter{
			ForceColors:   true,
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, config.Format)
	}
	return nil
}
