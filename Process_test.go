//go:build linux

package shmcam

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperEnv selects what TestHelperProcess does in a child process.
const helperEnv = "SHMCAM_TEST_HELPER"

// Frames a client process follows before stopping the camera.
const clientFrames = 20

// helperCommand prepares a child process running TestHelperProcess in mode on
// the given shared objects.
func helperCommand(mode string, ids ...ShmID) *exec.Cmd {
	args := make([]string, len(ids))
	for i, id := range ids {
		args[i] = strconv.Itoa(int(id))
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+mode+":"+strings.Join(args, ","))
	return cmd
}

// TestHelperProcess is the client side of the tests below when run by
// helperCommand, and does nothing otherwise.
func TestHelperProcess(t *testing.T) {
	arg := os.Getenv(helperEnv)
	if arg == "" {
		return
	}
	mode, list, _ := strings.Cut(arg, ":")
	var ids []ShmID
	for _, f := range strings.Split(list, ",") {
		n, err := strconv.Atoi(f)
		require.NoError(t, err)
		ids = append(ids, ShmID(n))
	}
	switch mode {
	case "follow":
		followCamera(t, ids[0])
	case "hold":
		holdLocks(t, ids[0], ids[1])
	default:
		t.Fatalf("unknown mode %q", mode)
	}
}

// followCamera starts the camera, checks every published serial while attaching
// and detaching the output images, then stops the camera.
func followCamera(t *testing.T, id ShmID) {
	cam, err := AttachRemoteCamera(id)
	require.NoError(t, err)
	defer cam.Detach()
	require.NotEqual(t, os.Getpid(), cam.Pid())
	require.False(t, cam.IsOwner())

	status, err := cam.Start(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	nbufs := int64(cam.NBufs())
	var last int64
	for last < clientFrames {
		serial, status, err := cam.WaitOutput(last+1, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, StatusOK, status)
		require.Greater(t, serial, last)

		img, err := AttachSharedArray(cam.OutputShmid(serial))
		require.NoError(t, err)
		status, err = img.RLock(time.Second)
		require.NoError(t, err)
		require.Equal(t, StatusOK, status)
		got := img.Serial()
		require.NoError(t, img.RUnlock())
		require.NoError(t, img.Detach())
		// The slot holds this frame or one published nbufs frames later.
		require.GreaterOrEqual(t, got, serial)
		require.Zero(t, (got-serial)%nbufs)
		last = serial
	}
	status, err = cam.Stop(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

// holdLocks takes the lock of a segment and a read lock on an array, says so,
// and waits to be killed.
func holdLocks(t *testing.T, segID, arrID ShmID) {
	seg, err := AttachSegment(segID)
	require.NoError(t, err)
	arr, err := AttachSharedArray(arrID)
	require.NoError(t, err)
	require.NoError(t, seg.Lock())
	status, err := arr.RLock(time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	fmt.Println("held")
	time.Sleep(time.Minute)
}

func TestClientInAnotherProcess(t *testing.T) {
	s, _ := newTestServer(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	out, err := helperCommand("follow", s.Shmid()).CombinedOutput()
	require.NoError(t, err, "%s", out)
	assert.Equal(t, RunlevelIdle, s.Runlevel())
	cancel()
	require.NoError(t, <-errc)

	// Every serial was published exactly once.
	serial := s.Serial()
	stats := s.Stats()
	assert.GreaterOrEqual(t, serial, int64(clientFrames))
	assert.Equal(t, uint64(serial), stats.Published)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Timeouts)
	for n := serial; n > serial-3; n-- {
		img, err := AttachSharedArray(s.Remote().OutputShmid(n))
		require.NoError(t, err)
		assert.Equal(t, n, img.Serial())
		assert.Zero(t, img.Readers())
		img.Detach()
	}
}

func TestLocksOfKilledProcess(t *testing.T) {
	seg, err := CreateSegment(64, 0)
	require.NoError(t, err)
	arr, err := CreateSharedArray(TypeUint8, []int{4}, 0)
	require.NoError(t, err)
	segID, arrID := seg.Shmid(), arr.Shmid()
	// The killed process never detaches.
	defer func() {
		DestroySegment(segID)
		DestroySegment(arrID)
	}()
	defer seg.Detach()
	defer arr.Detach()

	cmd := helperCommand("hold", segID, arrID)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "held\n", line)

	assert.False(t, seg.TryLock())
	status, err := seg.TimedLock(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	assert.Equal(t, 1, arr.Readers())
	assert.False(t, arr.TryWLock())

	require.NoError(t, cmd.Process.Kill())
	// Until reaped, the child is a zombie and still passes for alive.
	cmd.Wait()

	status, err = seg.TimedLock(time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	require.NoError(t, seg.Unlock())

	status, err = arr.WLock(time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Zero(t, arr.Readers())
	require.NoError(t, arr.WUnlock())
}
