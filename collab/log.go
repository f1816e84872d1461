package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - dropped inbound messages (malformed, over rate, unknown room or user)
//     - skipped outbound sends to a full peer queue
//     - reconnects and connection errors
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - join, leave, room create, room reap
// V(2):
//     frequent events - cursor, change, ping, send

type LogFunction func(string, ...any)

// logs at `level` with a bracketed tag prefix, e.g. `[rm]`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
