package amqp

import (
	"sync"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.Nop()
)

// SetLogger installs a zerolog logger for the whole package. The engine
// logs frame traffic and state transitions at Debug and fatal protocol
// paths at Error. The default logger discards everything.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = l
}

func log() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return &logger
}
