package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/imgpipe/imgpipe/internal/image"
)

// DefaultLoaderBinary is the daemon CLI invoked when no override is
// given; the $IMGPIPE_LOADER environment variable overrides it the same
// way the teacher's own tooling honors $LOADER.
const DefaultLoaderBinary = "docker"

// LoadIntoDaemon streams img as a docker-load archive directly into the
// local daemon via "<loader> load", per §4.6 "streamed directly into
// the daemon's load endpoint". If the loader binary's stdin pipe
// rejects streaming (observed as a write error on the pipe), the
// archive is buffered to a temporary file and retried once, since some
// daemon CLI wrappers require a seekable input.
func LoadIntoDaemon(ctx context.Context, img image.Image, configJSON []byte, configDesc image.BlobDescriptor, repoTags []string, opener LayerOpener, loaderBinary string) error {
	if loaderBinary == "" {
		loaderBinary = loaderBinaryFromEnv()
	}
	if _, err := exec.LookPath(loaderBinary); err != nil {
		return fmt.Errorf("sink: %s not found in PATH: %w", loaderBinary, err)
	}

	if err := streamIntoLoader(ctx, loaderBinary, func(w io.Writer) error {
		return WriteArchive(w, img, configJSON, configDesc, repoTags, opener)
	}); err == nil {
		return nil
	} else if !isBrokenPipe(err) {
		return err
	}

	tmp, err := os.CreateTemp("", "imgpipe-load-*.tar")
	if err != nil {
		return fmt.Errorf("sink: buffering archive for daemon load: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := WriteArchive(tmp, img, configJSON, configDesc, repoTags, opener); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	defer tmp.Close()
	return runLoader(ctx, loaderBinary, tmp)
}

func streamIntoLoader(ctx context.Context, loaderBinary string, write func(io.Writer) error) error {
	cmd := exec.CommandContext(ctx, loaderBinary, "load")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sink: opening %s load stdin: %w", loaderBinary, err)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sink: starting %s load: %w", loaderBinary, err)
	}

	writeErr := write(stdin)
	closeErr := stdin.Close()
	waitErr := cmd.Wait()

	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return closeErr
	}
	if waitErr != nil {
		return fmt.Errorf("sink: %s load failed: %w", loaderBinary, waitErr)
	}
	return nil
}

func runLoader(ctx context.Context, loaderBinary string, r io.Reader) error {
	cmd := exec.CommandContext(ctx, loaderBinary, "load")
	cmd.Stdin = r
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sink: %s load failed: %w", loaderBinary, err)
	}
	return nil
}

func loaderBinaryFromEnv() string {
	if v := os.Getenv("IMGPIPE_LOADER"); v != "" {
		return v
	}
	return DefaultLoaderBinary
}

// isBrokenPipe reports whether err is the write-after-reader-closed error
// from an OS pipe (cmd.StdinPipe()'s stdin is a real pipe, not io.Pipe(),
// so the error surfaces as a *fs.PathError wrapping syscall.EPIPE, never
// io.ErrClosedPipe).
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}
