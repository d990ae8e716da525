package mps

import (
	"testing"
	"time"

	"github.com/pion/transport/v3/dpipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// This exercises Transport.RecvTimeout directly, the way a caller running
// its own event loop above the Context would: Context itself never calls
// it (see record_layer.go's openRead), so nothing else in this module's
// production path reaches it.

func TestNetTransportRecvTimeoutReturnsDataAsItArrives(t *testing.T) {
	ca, cb := dpipe.Pipe()
	defer ca.Close()
	defer cb.Close()

	sender := NewNetTransport(ca, ModeDatagram)
	receiver := NewNetTransport(cb, ModeDatagram)

	_, err := sender.Send([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := receiver.RecvTimeout(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestNetTransportRecvTimeoutExpiresWithoutData(t *testing.T) {
	ca, cb := dpipe.Pipe()
	defer ca.Close()
	defer cb.Close()

	receiver := NewNetTransport(cb, ModeDatagram)

	buf := make([]byte, 64)
	_, err := receiver.RecvTimeout(buf, 20*time.Millisecond)
	require.Error(t, err)
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
}
