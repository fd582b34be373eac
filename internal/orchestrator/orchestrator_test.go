package orchestrator

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPIDFileAcquireFreshPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratifier.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.Acquire(false))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(body))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	pf.Release()
	_, err = os.ReadFile(path)
	require.Error(t, err)
}

func TestPIDFileAcquireStalePidIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.pid")
	// A pid that almost certainly does not correspond to a live process.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0644))

	pf := NewPIDFile(path)
	require.NoError(t, pf.Acquire(false))
}

func TestPIDFileAcquireLiveOwnerRequiresKillOld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generator.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	pf := NewPIDFile(path)
	err := pf.Acquire(false)
	require.Error(t, err)
}

func TestHandoverTransfersListenerAndDrivesCommandSequence(t *testing.T) {
	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tl, ok := tcpListener.(*net.TCPListener)
	require.True(t, ok)

	sockPath := filepath.Join(t.TempDir(), "handover.sock")

	var seen []HandoverCommand
	done := make(chan error, 1)
	go func() {
		done <- ServeHandover(sockPath, tl, func(cmd HandoverCommand) {
			seen = append(seen, cmd)
		})
	}()

	// Give the handover listener a moment to come up.
	var newListener net.Listener
	for i := 0; i < 50; i++ {
		newListener, err = RequestHandover(sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	require.NotNil(t, newListener)
	defer newListener.Close()

	require.NoError(t, <-done)
	require.Equal(t, []HandoverCommand{CmdReject, CmdReconnect, CmdShutdown}, seen)
}
