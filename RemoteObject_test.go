//go:build linux

package shmcam

import (
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteObjectPair(t *testing.T) (owner, client *RemoteObject) {
	t.Helper()
	owner, err := CreateRemoteObject("tester", 0)
	require.NoError(t, err)
	client, err = AttachRemoteObject(owner.Shmid())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Detach()
		owner.Detach()
	})
	return owner, client
}

func TestRemoteObjectIdentity(t *testing.T) {
	owner, client := newRemoteObjectPair(t)
	assert.Equal(t, "tester", client.Owner())
	assert.Equal(t, os.Getpid(), client.Pid())
	assert.True(t, owner.IsOwner())
	assert.False(t, client.IsOwner())
	assert.Equal(t, KindRemoteObject, client.Kind())
	assert.Equal(t, StateInitializing, client.State())

	require.NoError(t, owner.SetState(StateWaiting))
	assert.Equal(t, StateWaiting, client.State())
	assert.Equal(t, ErrNotOwner, errors.Cause(client.SetState(StateWorking)))
	assert.Equal(t, ErrNotOwner, errors.Cause(client.Acknowledge(1, StateWorking)))
	_, _, status, err := client.NextCommand(0)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, ErrNotOwner, errors.Cause(err))
}

func TestRemoteObjectBadOwner(t *testing.T) {
	_, err := CreateRemoteObject("", 0)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))
	_, err = CreateRemoteObject(strings.Repeat("x", OwnerSize), 0)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))
}

func TestRemoteObjectSingleCommandSlot(t *testing.T) {
	owner, client := newRemoteObjectPair(t)

	num, status, err := client.Send(StartRequest{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, int64(1), num)

	// The pending command is never overwritten.
	_, status, err = client.Send(StopRequest{}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	issued, acked := client.Pending()
	assert.Equal(t, int64(1), issued)
	assert.Zero(t, acked)

	req, n, status, err := owner.NextCommand(time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, StartRequest{}, req)
	assert.Equal(t, int64(1), n)

	status, err = client.WaitCommand(1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)

	require.NoError(t, owner.Acknowledge(1, StateWorking))
	status, err = client.WaitCommand(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, StateWorking, client.State())

	req, _, status, err = owner.NextCommand(30 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	assert.Nil(t, req)
}

func TestRemoteObjectExecute(t *testing.T) {
	owner, client := newRemoteObjectPair(t)
	cfg := DefaultConfig()
	cfg.Width = 123

	received := make(chan Request, 1)
	go func() {
		req, num, status, _ := owner.NextCommand(2 * time.Second)
		if status == StatusOK {
			received <- req
			owner.Acknowledge(num, StateWaiting)
		}
	}()
	status, err := client.Execute(ConfigureRequest{Config: cfg}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, ConfigureRequest{Config: cfg}, <-received)
}

func TestRemoteObjectOwnerGone(t *testing.T) {
	owner, client := newRemoteObjectPair(t)
	require.NoError(t, owner.SetState(StateWorking))
	atomic.StoreInt32(&owner.header().pid, deadPid)

	assert.Equal(t, StateUnreachable, client.State())
	_, status, err := client.Send(StartRequest{}, time.Second)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, ErrDestroyed, errors.Cause(err))
}
