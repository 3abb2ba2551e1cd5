package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/openfroyo/enginebridge/pkg/bridge"
)

// ProcessTransport runs the bridge as a child process speaking the protocol
// on its standard streams, typically `enginebridge worker`.
type ProcessTransport struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stderr receives the worker's logs. Defaults to os.Stderr.
	Stderr io.Writer

	cmd *exec.Cmd
}

// Open starts the process.
func (t *ProcessTransport) Open(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if t.Path == "" {
		return nil, nil, fmt.Errorf("worker path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// The process outlives ctx; Close ends it.
	cmd := exec.Command(t.Path, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", t.Path, err)
	}
	t.cmd = cmd
	return stdin, stdout, nil
}

// Close waits for the process to exit, killing it when ctx ends first.
func (t *ProcessTransport) Close(ctx context.Context) error {
	if t.cmd == nil {
		return nil
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- t.cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = t.cmd.Process.Kill()
		<-waitErr
		return fmt.Errorf("worker killed: %w", ctx.Err())
	}
}

// PipeTransport runs the bridge in-process over a pair of pipes.
type PipeTransport struct {
	Options bridge.Options

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// Open starts the bridge. It keeps running after ctx ends, until Close.
func (t *PipeTransport) Open(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	reqR, reqW := io.Pipe()
	evR, evW := io.Pipe()

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan error, 1)

	go func() {
		err := bridge.Serve(serveCtx, t.Options, reqR, evW)
		_ = evW.Close()
		_ = reqR.Close()
		t.done <- err
	}()
	return reqW, evR, nil
}

// Close waits for the bridge to release the engine, cancelling it when ctx ends first.
func (t *PipeTransport) Close(ctx context.Context) error {
	if t.done == nil {
		return nil
	}

	var err error
	t.once.Do(func() {
		defer t.cancel()
		select {
		case err = <-t.done:
		case <-ctx.Done():
			t.cancel()
			err = <-t.done
		}
	})
	return err
}

var (
	_ Transport = (*ProcessTransport)(nil)
	_ Transport = (*PipeTransport)(nil)
)
