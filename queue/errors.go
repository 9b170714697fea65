package queue

import (
	"errors"
	"net"
	"strings"

	qerrors "github.com/infigaming-com/go-queue/errors"
)

var (
	ErrConnection    = errors.New("queue: connection error")
	ErrRebalance     = errors.New("queue: consumer group rebalance")
	ErrThrottled     = errors.New("queue: throttled")
	ErrConfiguration = errors.New("queue: configuration error")
	ErrClosed        = errors.New("queue: engine closed")
	ErrRunning       = errors.New("queue: engine already running")
	ErrInvalidBody   = errors.New("queue: invalid message body")
)

// ErrorClass decides how long the engine backs off after a failed iteration.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassConnection
	ClassRebalance
	ClassThrottled
	ClassConfiguration
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassRebalance:
		return "rebalance"
	case ClassThrottled:
		return "throttled"
	case ClassConfiguration:
		return "configuration"
	default:
		return "transient"
	}
}

// Classify maps an error raised by a transport to an ErrorClass. Sentinel
// errors win; otherwise the message text is inspected.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	switch {
	case errors.Is(err, ErrConfiguration), qerrors.HasCode(err, qerrors.CodeConfiguration):
		return ClassConfiguration
	case errors.Is(err, ErrRebalance):
		return ClassRebalance
	case errors.Is(err, ErrThrottled):
		return ClassThrottled
	case errors.Is(err, ErrConnection):
		return ClassConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rebalanc"), strings.Contains(msg, "group"):
		return ClassRebalance
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "throughput exceeded"), strings.Contains(msg, "rate exceeded"):
		return ClassThrottled
	case strings.Contains(msg, "broker"), strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return ClassConnection
	}
	return ClassTransient
}

// ConfigError builds a fatal configuration error.
func ConfigError(msg string, cause error) error {
	return qerrors.NewError(qerrors.CodeConfiguration, "queue: "+msg, cause)
}

func IsConfigError(err error) bool {
	return err != nil && Classify(err) == ClassConfiguration
}
