package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/logdna/logdna-go/logger"
	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/utils/flag"
)

// global accessible logger
var (
	LogV2 *Logger
)

// This init function is only for testing cases, where the entry point is not
// main function. Unit test will fail with nil pointer dereference if we don't
// init here.
func init() {
	LogV2 = newLogger()
}

// Logger wraps logrus so that call sites keep the variadic Infof/Errorf style
// used across the codebase, while still supporting structured fields.
type Logger struct {
	*logrus.Logger
}

func (l *Logger) Infof(params ...interface{}) {
	l.Info(joinParams(params))
}

func (l *Logger) Debugf(params ...interface{}) {
	l.Debug(joinParams(params))
}

func (l *Logger) Warnf(params ...interface{}) {
	l.Warn(joinParams(params))
}

func (l *Logger) Errorf(params ...interface{}) {
	l.Error(joinParams(params))
}

func joinParams(params []interface{}) string {
	strs := make([]string, len(params))
	for i, param := range params {
		strs[i] = fmt.Sprint(param)
	}
	return strings.Join(strs, ", ")
}

func newLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{l}
}

// Options configures the global logger once the service config is loaded.
type Options struct {
	Level     string
	JSON      bool
	LogDNAKey string
	Env       string
}

// Setup reconfigures LogV2. When a LogDNA ingestion key is present, every
// entry is also forwarded to LogDNA.
func Setup(opts Options) error {
	if opts.Level != "" {
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		LogV2.SetLevel(level)
	}
	if opts.JSON {
		LogV2.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.LogDNAKey == "" {
		return nil
	}

	env := opts.Env
	if len(env) == 0 {
		env = "unknown"
	}
	options := logger.Options{
		Level:    "debug",
		Hostname: "alerts-" + env,
		App:      strings.ReplaceAll(*flag.ServiceName, "_", "-"),
	}
	ldna, err := logger.NewLogger(options, opts.LogDNAKey)
	if err != nil {
		return fmt.Errorf("cannot create logdna logger: %w", err)
	}
	LogV2.AddHook(&logdnaHook{ldna: ldna})
	return nil
}

// logdnaHook forwards logrus entries to LogDNA.
type logdnaHook struct {
	ldna *logger.Logger
}

func (h *logdnaHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *logdnaHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		h.ldna.Error(line)
	case logrus.WarnLevel:
		h.ldna.Warn(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		h.ldna.Debug(line)
	default:
		h.ldna.Info(line)
	}
	return nil
}
