package logger

import (
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ownPackage is matched exactly so tests in this package still report
// their own frames.
const ownPackage = "hvcollector/logger."

// callerHook points entry.Caller at the first frame outside logrus, the
// logger wrappers and any adapters registered with SkipCallers.
type callerHook struct {
	mu       sync.RWMutex
	adapters []string
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	// Skip runtime.Callers, this method and the logrus hook dispatch.
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !h.skip(frame) {
			entry.Caller = &frame
			break
		}
		if !more {
			break
		}
	}
	return nil
}

func (h *callerHook) skip(frame runtime.Frame) bool {
	fn := frame.Function
	if strings.HasPrefix(fn, "github.com/sirupsen/logrus") {
		return true
	}
	if strings.HasPrefix(fn, ownPackage) && !strings.HasSuffix(frame.File, "_test.go") {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.adapters {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

func (h *callerHook) add(prefixes ...string) {
	h.mu.Lock()
	h.adapters = append(h.adapters, prefixes...)
	h.mu.Unlock()
}

// SkipCallers marks functions whose name starts with one of prefixes as
// logging adapters, so the reported caller is the code that called them.
func (l *Log) SkipCallers(prefixes ...string) {
	if l.caller != nil {
		l.caller.add(prefixes...)
	}
}
