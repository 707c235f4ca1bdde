package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points entry.Caller at the first frame outside logrus and this
// package. Entries logged without a component get the caller's package name
// (reader, processor, writer, ...) so every line can be filtered by it.
type callerHook struct {
	internal []string
}

func newCallerHook() *callerHook {
	return &callerHook{internal: []string{
		"github.com/sirupsen/logrus.",
		reflect.TypeOf(callerHook{}).PkgPath() + ".",
	}}
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !h.skip(frame.Function) {
			entry.Caller = &frame
			if _, ok := entry.Data["component"]; !ok {
				if pkg := packageName(frame.Function); pkg != "" {
					entry.Data["component"] = pkg
				}
			}
			return nil
		}
		if !more {
			return nil
		}
	}
}

func (h *callerHook) skip(function string) bool {
	if strings.HasPrefix(function, "runtime.") {
		return true
	}
	for _, prefix := range h.internal {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

// packageName extracts "processor" from "positionwatch/processor.(*Tracker).Apply".
func packageName(function string) string {
	name := function[strings.LastIndex(function, "/")+1:]
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return ""
}
