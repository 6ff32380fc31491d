package temporal

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// missingValue fills in for the value of an odd trailing key.
const missingValue = "MISSING_VALUE"

// Logger writes Temporal SDK logs through zerolog. The SDK calls With to attach workflow and
// activity fields, so job workflows log with their workflow id and type on every line.
type Logger struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*Logger)(nil)
	_ log.WithLogger = (*Logger)(nil)
)

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "temporal-sdk").Logger()}
}

// fields turns SDK key/value pairs into zerolog fields. Non-string keys are printed with %v.
func fields(keyvals []interface{}) map[string]interface{} {
	if len(keyvals) == 0 {
		return nil
	}
	out := make(map[string]interface{}, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 < len(keyvals) {
			out[key] = keyvals[i+1]
		} else {
			out[key] = missingValue
		}
	}
	return out
}

func (l *Logger) With(keyvals ...interface{}) log.Logger {
	f := fields(keyvals)
	if f == nil {
		return l
	}
	return &Logger{logger: l.logger.With().Fields(f).Logger()}
}

func (l *Logger) log(event *zerolog.Event, msg string, keyvals []interface{}) {
	if f := fields(keyvals); f != nil {
		event = event.Fields(f)
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log(l.logger.Debug(), msg, keyvals) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.log(l.logger.Info(), msg, keyvals) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.log(l.logger.Warn(), msg, keyvals) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log(l.logger.Error(), msg, keyvals) }
