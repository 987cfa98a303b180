package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsight/marketstream/pkg/errors"
)

// deadlineError mimics the net.Error a read returns when its deadline expires.
type deadlineError struct{}

func (deadlineError) Error() string   { return "i/o timeout" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return false }

func TestClassifyReadErrorTimeoutIsHeartbeat(t *testing.T) {
	err := classifyReadError(deadlineError{})

	require.True(t, errors.HasCode(err, errors.ErrCodeHeartbeatTimeout))
	require.True(t, errors.IsTransient(err))
}

func TestClassifyReadErrorOtherIsConnectionLoss(t *testing.T) {
	err := classifyReadError(fmt.Errorf("connection reset by peer"))

	require.True(t, errors.HasCode(err, errors.ErrCodeTransportClosed))
	require.True(t, errors.IsTransient(err))
}
