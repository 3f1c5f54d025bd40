package ssltelnet

import (
	"fmt"
	"log"

	telnet "github.com/reiver/go-telnet"
)

// NewStdLogger adapts a stdlib logger to telnet.Logger. Debug and Trace
// output is dropped unless debug is set.
func NewStdLogger(l *log.Logger, debug bool) telnet.Logger {
	if l == nil {
		l = log.Default()
	}
	return &stdLogger{l: l, debug: debug}
}

type stdLogger struct {
	l     *log.Logger
	debug bool
}

func (s *stdLogger) output(prefix string, msg string) {
	_ = s.l.Output(3, prefix+msg)
}

func (s *stdLogger) Debug(v ...interface{}) {
	if s.debug {
		s.output("debug: ", fmt.Sprint(v...))
	}
}

func (s *stdLogger) Debugf(format string, v ...interface{}) {
	if s.debug {
		s.output("debug: ", fmt.Sprintf(format, v...))
	}
}

func (s *stdLogger) Error(v ...interface{}) { s.output("error: ", fmt.Sprint(v...)) }

func (s *stdLogger) Errorf(format string, v ...interface{}) {
	s.output("error: ", fmt.Sprintf(format, v...))
}

func (s *stdLogger) Trace(v ...interface{}) {
	if s.debug {
		s.output("trace: ", fmt.Sprint(v...))
	}
}

func (s *stdLogger) Tracef(format string, v ...interface{}) {
	if s.debug {
		s.output("trace: ", fmt.Sprintf(format, v...))
	}
}

func (s *stdLogger) Warn(v ...interface{}) { s.output("warn: ", fmt.Sprint(v...)) }

func (s *stdLogger) Warnf(format string, v ...interface{}) {
	s.output("warn: ", fmt.Sprintf(format, v...))
}

type discardLogger struct{}

func (discardLogger) Debug(...interface{})          {}
func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Error(...interface{})          {}
func (discardLogger) Errorf(string, ...interface{}) {}
func (discardLogger) Trace(...interface{})          {}
func (discardLogger) Tracef(string, ...interface{}) {}
func (discardLogger) Warn(...interface{})           {}
func (discardLogger) Warnf(string, ...interface{})  {}
