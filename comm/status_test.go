package comm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	for errno, want := range map[unix.Errno]ErrClass{
		0:                 ClassNone,
		unix.EAGAIN:       ClassTransient,
		unix.EINTR:        ClassTransient,
		unix.EINPROGRESS:  ClassTransient,
		unix.EALREADY:     ClassTransient,
		unix.EMFILE:       ClassLimit,
		unix.ENFILE:       ClassLimit,
		unix.ECONNRESET:   ClassPeer,
		unix.ECONNREFUSED: ClassPeer,
		unix.ECONNABORTED: ClassPeer,
		unix.EPIPE:        ClassPeer,
	} {
		require.Equal(t, want, Classify(errno), errno.Error())
	}
	require.Equal(t, StatusLimit, statusFor(unix.EMFILE))
	require.Equal(t, StatusError, statusFor(unix.ECONNRESET))
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Result{Op: OpRead, FD: 3, Status: StatusOK}.Err())

	err := Result{Op: OpConnect, FD: 7, Status: StatusConnect, Errno: unix.ECONNREFUSED}.Err()
	require.ErrorIs(t, err, unix.ECONNREFUSED)
	require.EqualError(t, err, "comm: connect on FD 7: connect failed: "+unix.ECONNREFUSED.Error())

	err = Result{Op: OpWrite, FD: 2, Status: StatusClosing}.Err()
	require.EqualError(t, err, "comm: write on FD 2: closing")
	require.Nil(t, errors.Unwrap(err))
}

func TestToErrno(t *testing.T) {
	require.Zero(t, toErrno(nil))
	require.Equal(t, unix.EAGAIN, toErrno(unix.EAGAIN))
	require.Equal(t, unix.EIO, toErrno(errors.New("opaque")))
	require.Equal(t, "closing", StatusClosing.String())
	require.Equal(t, "status(42)", Status(42).String())
}
