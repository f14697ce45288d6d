// Connectivity with the message broker (Redis). The queue draining, run
// lease and activity relay all share one client; broker unavailability is
// the only failure Iris treats as fatal for a whole poll cycle.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.Get("Broker")

const connectTimeout = time.Second * 5

type Config struct {
	Address  string `yaml:"address" env:"BROKER_ADDRESS" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"BROKER_PASSWORD"`

	// Stream/group/consumer naming for the job topic.
	Stream   string `yaml:"stream" env:"BROKER_STREAM" env-default:"iris:requests"`
	Group    string `yaml:"group" env:"BROKER_GROUP" env-default:"iris-pipeline"`
	Consumer string `yaml:"consumer" env:"BROKER_CONSUMER" env-default:"iris-consumer"`

	// PollWindowSeconds bounds the blocking wait for the first message
	// of a cycle; BatchMax caps how many messages one cycle drains.
	PollWindowSeconds int `yaml:"poll_window_seconds" env:"BROKER_POLL_WINDOW_SECONDS" env-default:"5"`
	BatchMax          int `yaml:"batch_max" env:"BROKER_BATCH_MAX" env-default:"8"`

	// Pending entries idle beyond this are reclaimed from dead
	// consumers at the start of a drain.
	ClaimMinIdleSeconds int `yaml:"claim_min_idle_seconds" env:"BROKER_CLAIM_MIN_IDLE_SECONDS" env-default:"300"`

	// Single-owner run lease.
	LeaseKey        string `yaml:"lease_key" env:"BROKER_LEASE_KEY" env-default:"iris:run-lease"`
	LeaseTTLMinutes int    `yaml:"lease_ttl_minutes" env:"BROKER_LEASE_TTL_MINUTES" env-default:"120"`

	// Pub/sub channel carrying pipeline activity to the gateway.
	ActivityChannel string `yaml:"activity_channel" env:"BROKER_ACTIVITY_CHANNEL" env-default:"iris:activity"`
}

func (config Config) PollWindow() time.Duration {
	if config.PollWindowSeconds <= 0 {
		return time.Second * 5
	}

	return time.Second * time.Duration(config.PollWindowSeconds)
}

func (config Config) ClaimMinIdle() time.Duration {
	if config.ClaimMinIdleSeconds <= 0 {
		return time.Minute * 5
	}

	return time.Second * time.Duration(config.ClaimMinIdleSeconds)
}

func (config Config) LeaseTTL() time.Duration {
	if config.LeaseTTLMinutes <= 0 {
		return time.Hour * 2
	}

	return time.Minute * time.Duration(config.LeaseTTLMinutes)
}

// UnavailableError wraps any failure to reach the broker. Callers map it
// to the dedicated exit status so schedulers can tell connectivity
// problems apart from job failures.
type UnavailableError struct {
	Op    string
	cause error
}

func (err *UnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", err.Op, err.cause)
}

func (err *UnavailableError) Unwrap() error { return err.cause }

// Connect establishes and verifies the broker connection.
func Connect(ctx context.Context, config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, &UnavailableError{Op: "connect", cause: err}
	}

	log.Infof("Connected to broker at %s\n", config.Address)
	return client, nil
}
