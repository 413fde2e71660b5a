package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Config is everything the upload routine needs, resolved by the caller from
// flags, environment and the config file.
type Config struct {
	Email          string
	Password       string
	Domain         string
	ConsumerKey    string
	ConsumerSecret string
	Unit           string
	SessionFile    string
	SessionKey     string
	SessionRedis   string
	Timeout        time.Duration
	MeasuredAt     time.Time
}

func (c Config) ClientConfig() ClientConfig {
	return ClientConfig{
		Email:          c.Email,
		Password:       c.Password,
		Domain:         c.Domain,
		Timeout:        c.Timeout,
		ConsumerKey:    c.ConsumerKey,
		ConsumerSecret: c.ConsumerSecret,
	}
}

// NewSessionStore picks the redis store when a redis URL is configured and the
// file store otherwise. Payloads are sealed when a session key is set.
func NewSessionStore(c Config) (SessionStore, error) {
	var key *[32]byte
	if c.SessionKey != "" {
		k, err := SessionKeyFromHex(c.SessionKey)
		if err != nil {
			return nil, validationError("session key", err)
		}
		key = k
	}

	if c.SessionRedis != "" {
		store, err := NewRedisSessionStore(c.SessionRedis, c.Email, key)
		if err != nil {
			return nil, validationError("session store", err)
		}
		return store, nil
	}
	return NewFileSessionStore(c.SessionFile, key), nil
}

// WeighInClient is the part of the Garmin client the upload routine uses.
type WeighInClient interface {
	Login(ctx context.Context) error
	AddWeighIn(ctx context.Context, weight float64, unit string, at time.Time) error
}

// Syncer uploads weigh-ins and invalidates the session cache when Garmin
// rejects the credentials or cannot be reached.
type Syncer struct {
	client   WeighInClient
	sessions SessionStore
	out      io.Writer
	unit     string
	now      func() time.Time
	at       time.Time
}

func NewSyncer(config Config, client WeighInClient, sessions SessionStore, out io.Writer) *Syncer {
	unit := config.Unit
	if unit == "" {
		unit = UnitKilograms
	}

	return &Syncer{
		client:   client,
		sessions: sessions,
		out:      out,
		unit:     unit,
		now:      time.Now,
		at:       config.MeasuredAt,
	}
}

// SyncWeight logs in and uploads one weigh-in, printing the outcome. The
// returned error carries a Kind the caller can turn into an exit status.
func (s *Syncer) SyncWeight(ctx context.Context, weight float64) error {
	err := s.upload(ctx, weight)
	if err == nil {
		fmt.Fprintf(s.out, "[Garmin] Uploaded weight %s %s successfully\n", FormatWeight(weight), s.unit)
		return nil
	}

	if IsAuthOrConnection(err) {
		fmt.Fprintf(s.out, "[Garmin] ERROR: %v\n", err)
		if delErr := s.sessions.Delete(ctx); delErr != nil {
			slog.Error("failed to clear session", "err", delErr)
		}
		return err
	}

	fmt.Fprintf(s.out, "[Garmin] Unexpected ERROR: %v\n", err)
	return err
}

func (s *Syncer) upload(ctx context.Context, weight float64) error {
	if err := ValidateUnit(s.unit); err != nil {
		return validationError("", err)
	}

	if err := s.client.Login(ctx); err != nil {
		return err
	}

	at := s.at
	if at.IsZero() {
		at = s.now()
	}

	slog.Debug("uploading weigh-in", "value", weight, "unit", s.unit, "measured_at", at)
	return s.client.AddWeighIn(ctx, weight, s.unit, at)
}
