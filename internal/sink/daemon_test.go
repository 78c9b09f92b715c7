package sink

import (
	"fmt"
	"io"
	"io/fs"
	"syscall"
	"testing"
)

func TestIsBrokenPipeDetectsOSPipeEPIPE(t *testing.T) {
	// cmd.StdinPipe()'s write-after-reader-closed error surfaces wrapped
	// in a *fs.PathError, the shape os.File.Write actually returns.
	pathErr := &fs.PathError{Op: "write", Path: "|1", Err: syscall.EPIPE}
	wrapped := fmt.Errorf("streaming archive: %w", pathErr)
	if !isBrokenPipe(wrapped) {
		t.Errorf("isBrokenPipe did not recognize a wrapped *fs.PathError{Err: syscall.EPIPE}")
	}
}

func TestIsBrokenPipeStillDetectsIoErrClosedPipe(t *testing.T) {
	if !isBrokenPipe(io.ErrClosedPipe) {
		t.Errorf("isBrokenPipe did not recognize io.ErrClosedPipe")
	}
}

func TestIsBrokenPipeRejectsUnrelatedError(t *testing.T) {
	if isBrokenPipe(fmt.Errorf("some other failure")) {
		t.Errorf("isBrokenPipe reported true for an unrelated error")
	}
}
