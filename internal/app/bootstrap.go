package app

import (
	"fmt"

	"gorm.io/gorm"

	iauth "github.com/clinicore/clinicore/internal/auth"
	"github.com/clinicore/clinicore/internal/auth/mfa"
	"github.com/clinicore/clinicore/internal/cache"
	"github.com/clinicore/clinicore/internal/database"
	"github.com/clinicore/clinicore/pkg/mail"
)

// Services bundles the wired application services.
type Services struct {
	DB            *gorm.DB
	Cache         cache.Store
	JWT           *iauth.JWTService
	Passwords     *iauth.PasswordService
	Verifications *iauth.VerificationService
	Sessions      *iauth.SessionService
	TwoFactor     *mfa.Service
	Revocations   iauth.RevocationStore
	Auth          *iauth.Service
	Mailer        mail.Mailer
}

// DatabaseConfigFromApp converts the viper-backed database section into
// the connection config the database package consumes.
func DatabaseConfigFromApp(cfg DatabaseConfig) database.Config {
	out := database.Config{
		Driver: cfg.Driver,
		Path:   cfg.Path,
		DSN:    cfg.DSN,
	}

	switch cfg.Driver {
	case "postgres":
		out.Host = cfg.Postgres.Host
		out.Port = cfg.Postgres.Port
		out.Name = cfg.Postgres.Database
		out.User = cfg.Postgres.Username
		out.Password = cfg.Postgres.Password
	case "mysql":
		out.Host = cfg.MySQL.Host
		out.Port = cfg.MySQL.Port
		out.Name = cfg.MySQL.Database
		out.User = cfg.MySQL.Username
		out.Password = cfg.MySQL.Password
	}

	return out
}

// BuildServices wires the full service graph from configuration and an
// open database handle.
func BuildServices(db *gorm.DB, cfg *Config) (*Services, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	var store cache.Store
	var revocations iauth.RevocationStore
	if cfg.Cache.Redis.Enabled {
		redisStore, err := cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: redis: %w", err)
		}
		store = redisStore
		revocations = iauth.NewCacheRevocationStore(redisStore)
	} else {
		store = cache.NewMemoryStore()
		revocations = iauth.NewMemoryRevocationStore()
	}

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		Audience:       cfg.Auth.JWT.Audience,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
		Leeway:         cfg.Auth.JWT.Leeway,
	}, revocations)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: jwt: %w", err)
	}

	passwords, err := iauth.NewPasswordService(db, iauth.PasswordConfig{
		HistoryDepth: cfg.Auth.Password.HistoryDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: passwords: %w", err)
	}

	verifications, err := iauth.NewVerificationService(db, iauth.VerificationConfig{
		MaxAttempts: cfg.Auth.Verification.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: verifications: %w", err)
	}

	sessions, err := iauth.NewSessionService(db, iauth.SessionConfig{
		SessionTTL:  cfg.Auth.Session.TTL,
		MaxLifetime: cfg.Auth.Session.MaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: sessions: %w", err)
	}

	twoFactorKey, err := cfg.TwoFactorKey()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	twoFactor, err := mfa.NewService(db, mfa.Config{
		Issuer:        cfg.Auth.TwoFactor.Issuer,
		EncryptionKey: twoFactorKey,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: mfa: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer = mail.NewSMTPMailer(mail.SMTPSettings{
			Enabled:  true,
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.SMTP.From,
			Timeout:  cfg.Email.SMTP.Timeout,
		})
	} else {
		mailer = mail.Discard()
	}

	authService, err := iauth.NewService(db, passwords, verifications, sessions, twoFactor, jwtService, iauth.NewRoleResolver(db), mailer, iauth.Config{
		LockoutThreshold: cfg.Auth.Lockout.Threshold,
		LockoutDuration:  cfg.Auth.Lockout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: auth: %w", err)
	}

	return &Services{
		DB:            db,
		Cache:         store,
		JWT:           jwtService,
		Passwords:     passwords,
		Verifications: verifications,
		Sessions:      sessions,
		TwoFactor:     twoFactor,
		Revocations:   revocations,
		Auth:          authService,
		Mailer:        mailer,
	}, nil
}
