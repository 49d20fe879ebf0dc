// Package logger provides a standardized, high-performance logging setup
// for the pageengine project, built on top of Zap.
//
// Unlike a single-process network server, a pageengine process can own
// several independently-sharded collaborators sharing one *zap.Logger - a
// Parallel buffer pool fans out across num_instances Instances, and a
// process may open more than one named index over the same pool. New's
// extraFields let a caller stamp identifying context (shard index, index
// name) onto the child logger it keeps, so two frames evicted by different
// shards, or two keys split by different indexes, aren't indistinguishable
// in the log stream.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultServiceName is stamped on every logger when Config.ServiceName is
// left blank, so a caller that only cares about level/format/output isn't
// forced to also name its own service.
const defaultServiceName = "pageengine"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// ServiceName is stamped on every log entry as the "service" field.
	// Defaults to "pageengine" when empty; a caller running more than one
	// named binary (e.g. cmd/pagestore under a different name) can set
	// this instead of patching the literal at the call site.
	ServiceName string `yaml:"service_name"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup; extraFields are
// attached to every entry the returned logger (and anything derived from
// it with .With) emits, on top of the "service" field Config.ServiceName
// controls.
func New(config Config, extraFields ...zap.Field) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	encoder := getEncoder(config.Format)

	core := zapcore.NewCore(encoder, writeSyncer, logLevel)

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	fields := append([]zap.Field{zap.String("service", serviceName)}, extraFields...)
	logger := zap.New(core, zap.AddCaller()).WithOptions(zap.Fields(fields...))

	return logger, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
