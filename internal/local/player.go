package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/MrWong99/parley/pkg/audio/playback"
)

// ExecPlayer plays each clip by piping it into a fresh player process such
// as "ffplay -nodisp -autoexit -loglevel quiet -" or "mpv --no-video -".
// Cancelling the context kills the process, which stops output immediately.
type ExecPlayer struct {
	name string
	args []string
}

var _ playback.Player = (*ExecPlayer)(nil)

// NewExecPlayer parses command into a program and its arguments.
func NewExecPlayer(command string) (*ExecPlayer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("local: player command is empty")
	}
	return &ExecPlayer{name: fields[0], args: fields[1:]}, nil
}

// Play implements [playback.Player].
func (p *ExecPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("local: %s: %w: %s", p.name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Source is a stream of raw microphone PCM.
type Source struct {
	io.Reader
	close func() error
}

// Close stops the capture.
func (s *Source) Close() error { return s.close() }

// OpenSource starts command, such as "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
// and returns its standard output. An empty command reads standard input.
// The process is killed when ctx is cancelled or the source is closed.
func OpenSource(ctx context.Context, command string) (*Source, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &Source{Reader: os.Stdin, close: os.Stdin.Close}, nil
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local: capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: start %s: %w", fields[0], err)
	}
	return &Source{
		Reader: out,
		close: func() error {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil
		},
	}, nil
}
