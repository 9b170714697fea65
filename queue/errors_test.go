package queue

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	qerrors "github.com/infigaming-com/go-queue/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassTransient},
		{name: "config sentinel", err: fmt.Errorf("sqs: %w", ErrConfiguration), want: ClassConfiguration},
		{name: "config error code", err: ConfigError("brokers required", nil), want: ClassConfiguration},
		{name: "wrapped config error", err: fmt.Errorf("start: %w", ConfigError("bad", nil)), want: ClassConfiguration},
		{name: "rebalance sentinel", err: fmt.Errorf("kafka: %w", ErrRebalance), want: ClassRebalance},
		{name: "throttled sentinel", err: ErrThrottled, want: ClassThrottled},
		{name: "connection sentinel", err: fmt.Errorf("redis: %w", ErrConnection), want: ClassConnection},
		{name: "net error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, want: ClassConnection},
		{name: "rebalance text", err: errors.New("kafka server: The group is rebalancing"), want: ClassRebalance},
		{name: "throttling text", err: errors.New("ProvisionedThroughputExceeded: Rate exceeded"), want: ClassThrottled},
		{name: "broker text", err: errors.New("client has run out of available brokers"), want: ClassConnection},
		{name: "unknown", err: errors.New("unexpected end of JSON input"), want: ClassTransient},
		{name: "other coded error", err: qerrors.NewError(qerrors.CodeTransport, "publish failed", nil), want: ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConfigError(t *testing.T) {
	cause := errors.New("missing region")
	err := ConfigError("load aws config", cause)

	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "queue: load aws config: missing region", err.Error())
	assert.False(t, IsConfigError(nil))
	assert.False(t, IsConfigError(ErrConnection))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "connection", ClassConnection.String())
	assert.Equal(t, "rebalance", ClassRebalance.String())
	assert.Equal(t, "throttled", ClassThrottled.String())
	assert.Equal(t, "configuration", ClassConfiguration.String())
}
