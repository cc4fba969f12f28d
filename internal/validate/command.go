// Command execution for the VALIDATE phase: configured validation
// commands are normally run with plain captured stdio, but a command
// that expects a TTY (common for tools that auto-detect non-interactive
// output and otherwise suppress useful diagnostics) can be run attached
// to a pty instead.
//
// Grounded on the teacher's RunCommandInteractive
// (cmd/entire/cli/integration_test/interactive.go): same pty.Start +
// io.Copy drain shape, generalized from driving an interactive prompt to
// simply capturing a TTY-attached command's combined output.
package validate

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// RunPTY runs command in dir attached to a pty, returning its combined
// output. There is no configuration option that selects it: the merge
// engine runs validation commands with plain captured stdio and does not
// call RunPTY.
func RunPTY(ctx context.Context, command, dir string, timeout time.Duration) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	defer ptmx.Close()

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(&out, ptmx)
	}()

	waitErr := cmd.Wait()
	<-done
	return out.Bytes(), waitErr
}
