package zipline

import "log"

// warnf reports an observable warning (unknown flag bits, odd disk numbers,
// an implicitly-closed file sink, and similar recoverable conditions called
// out by the spec as "accumulated, not thrown"). A nil logger disables
// warnings entirely.
func warnf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf("zipline: warning: "+format, args...)
}
