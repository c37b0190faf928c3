package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
)

// Colored labels for the human-readable sink.
var (
	infoColor  = color.New(color.FgGreen).SprintFunc()
	debugColor = color.New(color.FgCyan).SprintFunc()
	traceColor = color.New(color.FgYellow).SprintFunc()
	errorColor = color.New(color.FgRed).SprintFunc()
)

// SimpleLogSink implements the logr.LogSink interface for human-readable
// colored output on a terminal.
type SimpleLogSink struct {
	writer       io.Writer
	minVerbosity int
	name         string
	keyValues    []interface{}
	mutex        sync.Mutex
	callDepth    int
	useColor     bool
}

// NewSimpleLogSink creates a new SimpleLogSink. If writer is nil it defaults
// to os.Stderr so progress rendering on stdout stays clean.
func NewSimpleLogSink(writer io.Writer, minVerbosity int, useColor bool) *SimpleLogSink {
	if writer == nil {
		writer = os.Stderr
	}
	return &SimpleLogSink{
		writer:       writer,
		minVerbosity: minVerbosity,
		name:         "",
		keyValues:    []interface{}{},
		useColor:     useColor,
	}
}

// Init initializes the logger with runtime information.
func (s *SimpleLogSink) Init(info logr.RuntimeInfo) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callDepth = info.CallDepth
}

// Enabled determines if the logger is enabled for the given verbosity level.
func (s *SimpleLogSink) Enabled(level int) bool {
	return level <= s.minVerbosity
}

// Info logs a non-error message with key-value pairs.
func (s *SimpleLogSink) Info(level int, msg string, keysAndValues ...interface{}) {
	if !s.Enabled(level) {
		return
	}
	s.log(false, level, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs.
func (s *SimpleLogSink) Error(err error, msg string, keysAndValues ...interface{}) {
	allKeysAndValues := append(keysAndValues, "error", err)
	s.log(true, 0, msg, allKeysAndValues...)
}

// WithValues adds key-value pairs to the logger.
func (s *SimpleLogSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	newKeyValues := append(append([]interface{}{}, s.keyValues...), keysAndValues...)
	return &SimpleLogSink{
		writer:       s.writer,
		minVerbosity: s.minVerbosity,
		name:         s.name,
		keyValues:    newKeyValues,
		useColor:     s.useColor,
	}
}

// WithName adds a name to the logger.
func (s *SimpleLogSink) WithName(name string) logr.LogSink {
	newName := name
	if s.name != "" {
		newName = fmt.Sprintf("%s.%s", s.name, name)
	}
	return &SimpleLogSink{
		writer:       s.writer,
		minVerbosity: s.minVerbosity,
		name:         newName,
		keyValues:    append([]interface{}{}, s.keyValues...),
		useColor:     s.useColor,
	}
}

// V returns a copy of the SimpleLogSink with the same settings; level is not
// used, since logr passes the verbosity to Info on each call.
func (s *SimpleLogSink) V(level int) logr.LogSink {
	return &SimpleLogSink{
		writer:       s.writer,
		minVerbosity: s.minVerbosity,
		name:         s.name,
		keyValues:    append([]interface{}{}, s.keyValues...),
		useColor:     s.useColor,
	}
}

// log handles the formatting and writing of log messages with colors.
func (s *SimpleLogSink) log(isError bool, level int, msg string, keysAndValues ...interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var label string
	if isError {
		label = errorColor("[ERROR]") + " "
	} else {
		switch level {
		case 0:
			label = infoColor("[INFO]") + " "
		case 1:
			label = debugColor("[DEBUG]") + " "
		case 2:
			label = traceColor("[TRACE]") + " "
		default:
			label = fmt.Sprintf("[LEVEL %d] ", level)
		}
	}

	fullMsg := msg
	if s.name != "" {
		fullMsg = fmt.Sprintf("[%s] %s", s.name, msg)
	}

	// Append bound and per-call key-value pairs on the same line so progress
	// output stays single-line.
	pairs := append(append([]interface{}{}, s.keyValues...), keysAndValues...)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			key = fmt.Sprintf("key%d", i/2)
		}
		fullMsg += fmt.Sprintf(" %s=%v", key, pairs[i+1])
	}

	fmt.Fprintln(s.writer, label+fullMsg)
}

// NewSimpleLogger creates a new logr.Logger using SimpleLogSink.
func NewSimpleLogger(writer io.Writer, minVerbosity int, useColor bool) logr.Logger {
	sink := NewSimpleLogSink(writer, minVerbosity, useColor)
	return logr.New(sink)
}
