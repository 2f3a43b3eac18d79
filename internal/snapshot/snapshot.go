// Package snapshot periodically persists dirty rooms and purges expired
// rooms that are no longer loaded.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rooms is the part of the room manager the service drives
type Rooms interface {
	Flush(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Interval   time.Duration
	PurgeBatch int
	Timeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		PurgeBatch: 100,
		Timeout:    30 * time.Second,
	}
}

type Service struct {
	rooms  Rooms
	config Config
	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(rooms Rooms, config Config, logger zerolog.Logger) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.PurgeBatch <= 0 {
		config.PurgeBatch = defaults.PurgeBatch
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Service{
		rooms:  rooms,
		config: config,
		logger: logger.With().Str("component", "snapshot").Logger(),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.config.Interval).Msg("snapshot service started")
}

// Stop waits for an in-flight pass to finish. It does not flush; the
// room manager does that on shutdown.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info().Msg("snapshot service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce persists dirty rooms, then purges one batch of expired rooms
func (s *Service) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	saved, err := s.rooms.Flush(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("flush failed")
	}
	if saved > 0 {
		s.logger.Debug().Int("rooms", saved).Msg("rooms persisted")
	}

	purged, err := s.rooms.PurgeExpired(ctx, s.config.PurgeBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("purge failed")
	}
	if purged > 0 {
		s.logger.Info().Int("rooms", purged).Msg("expired rooms purged")
	}
}
