package agent

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Enroller performs the actual client enrollment against the directory
// server using the retrieved one-time password.
type Enroller interface {
	Enroll(ctx context.Context, hostname, otp string) error
}

// ExecEnroller runs the platform's client enrollment binary. The one-time
// password is passed as an argument, never logged.
type ExecEnroller struct {
	installer string
	timeout   time.Duration
	logger    *logger.Logger
}

// NewExecEnroller creates an enroller around the given installer binary.
func NewExecEnroller(installer string, timeout time.Duration, log *logger.Logger) *ExecEnroller {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ExecEnroller{installer: installer, timeout: timeout, logger: log}
}

// Enroll runs the installer once. Output is captured for the log; the exit
// status decides success.
func (e *ExecEnroller) Enroll(ctx context.Context, hostname, otp string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.installer,
		"--unattended",
		"--hostname", hostname,
		"--password", otp,
	)

	e.logger.Info("running client enrollment", "installer", e.installer, "hostname", hostname)
	output, err := cmd.CombinedOutput()
	if err != nil {
		e.logger.Error("client enrollment failed",
			"installer", e.installer,
			"output", string(output),
			"error", err)
		return fmt.Errorf("%s failed: %w", e.installer, err)
	}

	e.logger.Debug("client enrollment output", "output", string(output))
	return nil
}
