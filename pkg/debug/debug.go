package debug

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DEBUG_CRITICAL = 1
	DEBUG_ERROR    = 2
	DEBUG_INFO     = 3
	DEBUG_VERBOSE  = 4
	DEBUG_TRACE    = 5
	DEBUG_PACKETS  = 6
	DEBUG_ALL      = 7
)

var (
	// The -debug flag is owned by each main (see cmd/), wired back in
	// through SetDebugLevel after flag.Parse.
	debugLevelValue = DEBUG_INFO
	debugLevel      = &debugLevelValue
	logger          *zap.SugaredLogger
	atomicLevel     zap.AtomicLevel
	initialized     bool
)

func Init() {
	if initialized {
		return
	}
	initialized = true

	atomicLevel = zap.NewAtomicLevelAt(zapLevel(*debugLevel))

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), atomicLevel)
	logger = zap.New(core).Sugar()
}

func zapLevel(level int) zapcore.Level {
	switch {
	case level >= DEBUG_ALL:
		return zapcore.DebugLevel
	case level >= DEBUG_PACKETS:
		return zapcore.DebugLevel
	case level >= DEBUG_TRACE:
		return zapcore.DebugLevel
	case level >= DEBUG_VERBOSE:
		return zapcore.DebugLevel
	case level >= DEBUG_INFO:
		return zapcore.InfoLevel
	case level >= DEBUG_ERROR:
		return zapcore.WarnLevel
	case level >= DEBUG_CRITICAL:
		return zapcore.ErrorLevel
	default:
		return zapcore.ErrorLevel
	}
}

func GetLogger() *zap.SugaredLogger {
	if !initialized {
		Init()
	}
	return logger
}

func Log(level int, msg string, args ...interface{}) {
	if !initialized {
		Init()
	}

	if *debugLevel < level {
		return
	}

	zl := zapLevel(level)
	if !atomicLevel.Enabled(zl) {
		return
	}

	allArgs := make([]interface{}, len(args)+2)
	copy(allArgs, args)
	allArgs[len(args)] = "debug_level"
	allArgs[len(args)+1] = level
	logger.Logw(zl, msg, allArgs...)
}

func SetDebugLevel(level int) {
	*debugLevel = level
	if initialized {
		atomicLevel.SetLevel(zapLevel(level))
	}
}

func GetDebugLevel() int {
	return *debugLevel
}

// Sync flushes buffered log output, called on shutdown.
func Sync() {
	if initialized {
		_ = logger.Sync()
	}
}
