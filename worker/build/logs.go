package build

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	STDOUT_PREFIX = "stdout: "
	STDERR_PREFIX = "stderr: "
)

// lineWriter splits a byte stream into lines, each prefixed and terminated by a newline.
type lineWriter struct {
	prefix  string
	emit    func(line string)
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.prefix + string(w.partial[:i+1]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits an unterminated last line.
func (w *lineWriter) Flush() {
	if len(w.partial) > 0 {
		w.emit(w.prefix + string(w.partial) + "\n")
		w.partial = nil
	}
}

// demuxLines reads a multiplexed container log stream and emits its lines in stream order.
func demuxLines(r io.Reader, emit func(line string)) error {
	stdout := &lineWriter{prefix: STDOUT_PREFIX, emit: emit}
	stderr := &lineWriter{prefix: STDERR_PREFIX, emit: emit}

	_, err := stdcopy.StdCopy(stdout, stderr, r)
	stdout.Flush()
	stderr.Flush()
	return err
}

// collectLogs returns the complete log of a container.
func collectLogs(ctx context.Context, runtime Runtime, containerID string) ([]string, error) {
	reader, err := runtime.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	lines := []string{}
	err = demuxLines(reader, func(line string) {
		lines = append(lines, line)
	})
	return lines, err
}

// followLogs passes every line of a running container to emit until the container stops or
// ctx is done. The returned wait func blocks until streaming ended.
func followLogs(ctx context.Context, runtime Runtime, containerID string, emit func(line string)) (wait func() error) {
	var wg sync.WaitGroup
	var streamErr error

	wg.Add(1)
	go func() {
		defer wg.Done()

		reader, err := runtime.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			streamErr = err
			return
		}
		defer reader.Close()

		go func() {
			<-ctx.Done()
			reader.Close()
		}()

		if err := demuxLines(reader, emit); err != nil && ctx.Err() == nil {
			streamErr = err
		}
	}()

	return func() error {
		wg.Wait()
		return streamErr
	}
}
