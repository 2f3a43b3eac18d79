package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds all configuration for the server.
type Config struct {
	Port           string
	Env            string
	DBPath         string
	TokenSecret    string
	AllowedOrigins []string

	// Room policy
	RoomTTL                  time.Duration
	MaxDocumentBytes         int
	HostClaimTimeout         time.Duration
	HostClaimAutoAccept      bool // grant the claim when the countdown elapses
	HostDisconnectAutoAccept bool // grant a pending claim when the host drops
	JoinTimeout              time.Duration
	QuickRoomCapacity        int
	SeatReservation          time.Duration // seat hold for a REST admission awaiting its socket

	// Execution runner
	RunnerURL         string
	RunnerInitTimeout time.Duration
	ExecTimeout       time.Duration
	ExecRate          float64 // executions per second per participant, 0 disables
	ExecBurst         int

	SnapshotInterval time.Duration
}

// Load reads configuration from the environment (and a .env file when
// present), then applies command line flags on top.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		Env:                      getEnv("ENV", "development"),
		DBPath:                   getEnv("CODEROOM_DB_PATH", "./data/coderoom.db"),
		TokenSecret:              os.Getenv("CODEROOM_TOKEN_SECRET"),
		RoomTTL:                  getDuration("CODEROOM_ROOM_TTL", 24*time.Hour),
		MaxDocumentBytes:         getInt("CODEROOM_MAX_DOCUMENT_BYTES", 5*1024*1024),
		HostClaimTimeout:         getDuration("CODEROOM_HOST_CLAIM_TIMEOUT", 10*time.Second),
		HostClaimAutoAccept:      getBool("CODEROOM_HOST_CLAIM_AUTO_ACCEPT", true),
		HostDisconnectAutoAccept: getBool("CODEROOM_HOST_DISCONNECT_AUTO_ACCEPT", true),
		JoinTimeout:              getDuration("CODEROOM_JOIN_TIMEOUT", 10*time.Second),
		QuickRoomCapacity:        getInt("CODEROOM_QUICK_ROOM_CAPACITY", 50),
		SeatReservation:          getDuration("CODEROOM_SEAT_RESERVATION", time.Minute),
		RunnerURL:                getEnv("CODEROOM_RUNNER_URL", "ws://localhost:2000/api/v2/connect"),
		RunnerInitTimeout:        getDuration("CODEROOM_RUNNER_INIT_TIMEOUT", 5*time.Second),
		ExecTimeout:              getDuration("CODEROOM_EXEC_TIMEOUT", 60*time.Second),
		ExecRate:                 getFloat("CODEROOM_EXEC_RATE", 0),
		ExecBurst:                getInt("CODEROOM_EXEC_BURST", 5),
		SnapshotInterval:         getDuration("CODEROOM_SNAPSHOT_INTERVAL", time.Minute),
	}

	if origins := os.Getenv("CODEROOM_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	flags := pflag.NewFlagSet("coderoom", pflag.ContinueOnError)
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flags.StringVar(&cfg.Env, "env", cfg.Env, "environment (development or production)")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	flags.StringVar(&cfg.RunnerURL, "runner-url", cfg.RunnerURL, "websocket URL of the sandbox runner")
	flags.DurationVar(&cfg.RoomTTL, "room-ttl", cfg.RoomTTL, "lifetime of a room from creation")
	flags.DurationVar(&cfg.HostClaimTimeout, "host-claim-timeout", cfg.HostClaimTimeout, "host claim countdown")
	flags.BoolVar(&cfg.HostClaimAutoAccept, "host-claim-auto-accept", cfg.HostClaimAutoAccept, "grant host claims when the countdown elapses")
	flags.IntVar(&cfg.QuickRoomCapacity, "quick-room-capacity", cfg.QuickRoomCapacity, "participant limit of quick rooms")
	flags.DurationVar(&cfg.ExecTimeout, "exec-timeout", cfg.ExecTimeout, "wall clock limit of one execution")
	flags.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "how often dirty rooms are persisted")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if cfg.TokenSecret == "" {
		if cfg.Env == "production" {
			return nil, errors.New("CODEROOM_TOKEN_SECRET is required in production")
		}
		cfg.TokenSecret = randomSecret()
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f >= 0 {
		return f
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("config: reading random secret: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
