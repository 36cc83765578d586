//go:build linux

package shmcam

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteCameraRing(t *testing.T) {
	_, err := newRemoteCamera("cam", 0, 0)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))

	cam, err := newRemoteCamera("cam", 3, 0)
	require.NoError(t, err)
	defer cam.Detach()

	ClearLastError()
	assert.Equal(t, 3, cam.NBufs())
	assert.Zero(t, cam.Serial())
	assert.Equal(t, -1, cam.OutputIndex(0))
	assert.Equal(t, BadShmID, cam.OutputShmid(0))
	assert.Equal(t, BadShmID, cam.OutputShmid(1))
	assert.Equal(t, BadShmID, cam.PreprocessingShmid(NumPreproc))
	assert.Equal(t, BadShmID, cam.PreprocessingShmid(PreprocA))
	assert.NoError(t, LastError())

	cam.setOutput(1, 77)
	assert.Equal(t, 1, cam.OutputIndex(2))
	assert.Equal(t, 1, cam.OutputIndex(5))
	assert.Equal(t, ShmID(77), cam.OutputShmid(2))
	assert.Equal(t, ShmID(77), cam.OutputShmid(5))

	var detached *RemoteCamera
	assert.Zero(t, detached.NBufs())
	assert.Equal(t, BadShmID, detached.OutputShmid(1))
	assert.Equal(t, BadShmID, detached.PreprocessingShmid(0))
	assert.NoError(t, LastError())
}

func TestRemoteCameraAttach(t *testing.T) {
	cam, err := newRemoteCamera("cam", 2, 0)
	require.NoError(t, err)
	defer cam.Detach()
	cfg := DefaultConfig()
	cfg.Width = 320
	require.NoError(t, cam.setConfig(cfg))

	client, err := AttachRemoteCamera(cam.Shmid())
	require.NoError(t, err)
	defer client.Detach()
	assert.Equal(t, "cam", client.Owner())
	assert.Equal(t, 2, client.NBufs())
	got, err := client.Config()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	// Any remote object attaches a camera, not the other way round.
	obj, err := AttachRemoteObject(cam.Shmid())
	require.NoError(t, err)
	obj.Detach()
	plain, err := CreateRemoteObject("plain", 0)
	require.NoError(t, err)
	defer plain.Detach()
	_, err = AttachRemoteCamera(plain.Shmid())
	assert.Equal(t, ErrBadKind, errors.Cause(err))

	bad := cfg
	bad.Width = 0
	status, err := client.Configure(bad, time.Second)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))
}

func TestRemoteCameraWaitOutput(t *testing.T) {
	cam, err := newRemoteCamera("cam", 2, 0)
	require.NoError(t, err)
	defer cam.Detach()
	require.NoError(t, cam.SetState(StateWorking))

	last, status, err := cam.WaitOutput(0, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	assert.Zero(t, last)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cam.Lock()
		cam.setSerial(2)
		cam.Broadcast()
		cam.Unlock()
	}()
	last, status, err = cam.WaitOutput(1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, int64(2), last)
}
