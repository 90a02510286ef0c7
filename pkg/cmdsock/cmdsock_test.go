package cmdsock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdSockRequestResponse(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "clusterhad.sock")
	cmdChan := make(chan Command, 1)
	listener := NewListener(sockPath, cmdChan, zerolog.Nop())

	go listener.Start()
	defer listener.Close()
	time.Sleep(50 * time.Millisecond) // give the listener time to bind

	// Answer commands like the daemon loop does.
	go func() {
		for cmd := range cmdChan {
			assert.Equal(t, "status", cmd.Cmd)
			cmd.ResponseCh <- `{"phase":"Healthy"}`
		}
	}()

	resp, err := Query(sockPath, "status")
	require.NoError(t, err)
	assert.Equal(t, `{"phase":"Healthy"}`, resp)
}

func TestQueryFailsWithoutListener(t *testing.T) {
	_, err := Query(filepath.Join(t.TempDir(), "missing.sock"), "status")
	require.Error(t, err)
}
