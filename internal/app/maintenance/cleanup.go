package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/clinicore/clinicore/internal/auth"
	"github.com/clinicore/clinicore/pkg/logger"
)

const (
	defaultTokenSpec   = "@hourly"
	defaultSessionSpec = "@hourly"
	defaultHistorySpec = "@daily"

	defaultUsedTokenRetention = 24 * time.Hour
	defaultSessionRetention   = 30 * 24 * time.Hour
	defaultHistoryDays        = 365
)

// Cleaner coordinates background maintenance: purging dead verification
// tokens, sweeping lapsed sessions, enforcing password-history retention
// and pruning the in-process revocation set. Any nil dependency simply
// skips its job.
type Cleaner struct {
	verifications *iauth.VerificationService
	sessions      *iauth.SessionService
	passwords     *iauth.PasswordService
	revocations   *iauth.MemoryRevocationStore

	cron *cron.Cron
	log  *zap.Logger

	tokenSchedule   string
	sessionSchedule string
	historySchedule string

	usedTokenRetention time.Duration
	sessionRetention   time.Duration
	historyDays        int
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithRevocationStore registers an in-process revocation set for pruning.
func WithRevocationStore(store *iauth.MemoryRevocationStore) Option {
	return func(cleaner *Cleaner) {
		cleaner.revocations = store
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithSessionSchedule overrides the cron specification for session sweeps.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithHistorySchedule overrides the cron specification for password
// history retention.
func WithHistorySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.historySchedule = spec
		}
	}
}

// WithSessionRetention adjusts how long revoked sessions are kept for
// audit review before deletion.
func WithSessionRetention(retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if retention > 0 {
			cleaner.sessionRetention = retention
		}
	}
}

// WithHistoryRetentionDays adjusts password history retention.
func WithHistoryRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.historyDays = days
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(verifications *iauth.VerificationService, sessions *iauth.SessionService, passwords *iauth.PasswordService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		verifications:      verifications,
		sessions:           sessions,
		passwords:          passwords,
		tokenSchedule:      defaultTokenSpec,
		sessionSchedule:    defaultSessionSpec,
		historySchedule:    defaultHistorySpec,
		usedTokenRetention: defaultUsedTokenRetention,
		sessionRetention:   defaultSessionRetention,
		historyDays:        defaultHistoryDays,
		log:                logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the cleanup jobs and launches the scheduler.
func (c *Cleaner) Start() error {
	if c.verifications != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			if err := c.cleanTokens(context.Background()); err != nil {
				c.log.Warn("token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.sessions.CleanupExpired(context.Background(), c.sessionRetention); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.passwords != nil {
		if _, err := c.cron.AddFunc(c.historySchedule, func() {
			if _, err := c.passwords.CleanupHistory(context.Background(), c.historyDays); err != nil {
				c.log.Warn("history cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.revocations != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			c.revocations.Prune()
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for running jobs to finish.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured cleanup sequentially. Used by tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.verifications != nil {
		errs = multierr.Append(errs, c.cleanTokens(ctx))
	}

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx, c.sessionRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.passwords != nil {
		if _, err := c.passwords.CleanupHistory(ctx, c.historyDays); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.revocations != nil {
		c.revocations.Prune()
	}

	return errs
}

func (c *Cleaner) cleanTokens(ctx context.Context) error {
	var errs error
	if _, err := c.verifications.CleanupExpired(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.verifications.CleanupUsed(ctx, c.usedTokenRetention); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
