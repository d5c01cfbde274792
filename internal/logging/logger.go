package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger: human-readable output on stdout plus
// JSON records appended to logFile. An empty logFile disables the file sink.
func New(level string, logFile string) (*zap.Logger, error) {
	encConfig := zap.NewProductionEncoderConfig()
	encConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLevel := new(zapcore.Level)
	if err := zapLevel.Set(level); err != nil {
		return nil, err
	}
	logLevel := zap.NewAtomicLevelAt(*zapLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encConfig), zapcore.AddSync(os.Stdout), logLevel),
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encConfig), zapcore.AddSync(f), logLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
