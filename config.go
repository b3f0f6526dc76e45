package devsession

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls how a Session spawns and supervises its helper process.
// Mirrors the teacher's Config/DefaultConfig/VerifyConfig trio: a zero
// Config is never used directly, callers go through DefaultConfig and
// override only what they need.
type Config struct {
	// HelperPath is the executable that implements the wire protocol in
	// §6. It is spawned with -d/-b (interactive session) or --scan-ports
	// (one-shot port enumeration).
	HelperPath string

	// HelperWorkDir is the working directory the helper is started in.
	// Defaults to the directory containing HelperPath.
	HelperWorkDir string

	// BaudRate is passed to the helper via -b. Defaults to 115200.
	BaudRate int

	// QueueBacklog bounds how many operations may be parked waiting for
	// the active slot; once it is reached, a further operation fails with
	// a backlog error instead of being queued. Zero means unbounded
	// (backed by a slice, not a channel).
	QueueBacklog int

	// DisconnectGraceTimeout is how long a graceful Disconnect waits for
	// the helper to exit after an `exit` request before it is killed.
	// Mirrors the teacher's openCloseTimeout field.
	DisconnectGraceTimeout time.Duration

	// StatusPollInterval, when non-zero, starts a background ticker that
	// calls CheckStatus at this cadence once StartStatusPolling is
	// invoked (§12 of SPEC_FULL.md, modeled on the teacher's keepalive).
	StatusPollInterval time.Duration

	// Verbose is carried on the Config but no operation reads it: every
	// fs-mutation method takes its own per-call verbose argument, and
	// UploadProject/DownloadProject turn verbose on when a follow callback
	// is given.
	Verbose bool

	// Logger receives structured log entries for every component. A
	// default logrus.Logger writing to stderr at InfoLevel is used when
	// nil.
	Logger *logrus.Logger
}

// DefaultConfig returns a Config with sane defaults, matching the shape of
// the teacher's own DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		BaudRate:               115200,
		QueueBacklog:           0,
		DisconnectGraceTimeout: 500 * time.Millisecond,
		StatusPollInterval:     0,
		Verbose:                false,
		Logger:                 defaultLogger(),
	}
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// verifyConfig fills in defaults for a caller-provided Config and checks
// invariants, the way the teacher's VerifyConfig validates a *Config before
// a session is built from it.
func verifyConfig(config *Config) (*Config, error) {
	if config == nil {
		return DefaultConfig(), nil
	}
	out := *config
	if out.HelperPath == "" {
		return nil, errors.New("devsession: Config.HelperPath must be set")
	}
	if out.BaudRate <= 0 {
		out.BaudRate = 115200
	}
	if out.DisconnectGraceTimeout <= 0 {
		out.DisconnectGraceTimeout = 500 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = defaultLogger()
	}
	return &out, nil
}
