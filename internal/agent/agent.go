// Package agent implements the in-instance enrollment agent. It waits for
// the platform to deliver a one-time password, enrolls the host with the
// directory server exactly once, and destroys the secret.
package agent

import (
	"context"
	"time"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// State is the agent's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateRetrieved State = "retrieved"
	StateEnrolled  State = "enrolled"
	StateFailed    State = "failed"
)

// Sleeper pauses between secret polls. Injectable for tests.
type Sleeper func(d time.Duration)

// Agent drives the one-shot enrollment state machine. Enrollment is never
// retried: a consumed or stale one-time password would be rejected by the
// directory server anyway.
type Agent struct {
	secret   SecretSource
	metadata MetadataSource
	enroller Enroller

	attempts int
	interval time.Duration
	sleep    Sleeper

	state  State
	logger *logger.Logger
}

// New creates an agent. attempts and interval bound the secret wait.
func New(secret SecretSource, metadata MetadataSource, enroller Enroller, attempts int, interval time.Duration, log *logger.Logger) *Agent {
	if attempts <= 0 {
		attempts = 60
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.NewDevelopment("agent")
	}
	return &Agent{
		secret:   secret,
		metadata: metadata,
		enroller: enroller,
		attempts: attempts,
		interval: interval,
		sleep:    time.Sleep,
		state:    StateWaiting,
		logger:   log,
	}
}

// SetSleeper replaces the inter-poll sleep. Used by tests.
func (a *Agent) SetSleeper(s Sleeper) {
	a.sleep = s
}

// State returns the agent's current state.
func (a *Agent) State() State {
	return a.state
}

// Run executes the state machine to a terminal state. The returned error is
// nil only when the agent reaches Enrolled.
func (a *Agent) Run(ctx context.Context) error {
	otp, err := a.waitForSecret(ctx)
	if err != nil {
		a.state = StateFailed
		return err
	}
	a.state = StateRetrieved
	a.logger.Info("one-time password retrieved")

	hostname, err := a.metadata.Hostname()
	if err != nil {
		a.state = StateFailed
		a.destroySecret()
		return err
	}

	enrollErr := a.enroller.Enroll(ctx, hostname, otp)

	// The password is spent once enrollment has been attempted, whatever
	// the outcome. Remove it so it cannot leak or be replayed.
	a.destroySecret()

	if enrollErr != nil {
		a.state = StateFailed
		return apperrors.NewAgentError(apperrors.ErrCodeEnrollFailed,
			"client enrollment failed", false, enrollErr)
	}

	a.state = StateEnrolled
	a.logger.Info("host enrolled", "hostname", hostname)
	return nil
}

// waitForSecret polls the secret source exactly a.attempts times, sleeping
// a.interval between polls.
func (a *Agent) waitForSecret(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", apperrors.NewAgentError(apperrors.ErrCodeSecretTimeout,
				"secret wait cancelled", false, err)
		}

		otp, err := a.secret.Read()
		if err != nil {
			return "", err
		}
		if otp != "" {
			return otp, nil
		}

		a.logger.Debug("secret not delivered yet",
			"attempt", attempt, "max_attempts", a.attempts)
		a.sleep(a.interval)
	}

	return "", apperrors.NewAgentError(apperrors.ErrCodeSecretTimeout,
		"secret was not delivered within the wait bound", false, nil)
}

func (a *Agent) destroySecret() {
	if err := a.secret.Destroy(); err != nil {
		a.logger.Error("failed to destroy secret", "error", err)
	}
}
