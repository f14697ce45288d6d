package broker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only when it still holds this
// run's owner token, so an expired lease taken over by another run is
// never released from under it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lease is the single-owner run lock. Exactly one pipeline run may hold
// it at a time; the TTL guarantees a crashed run cannot block the
// schedule forever.
type Lease struct {
	client *redis.Client
	config Config
	owner  string
}

func NewLease(client *redis.Client, config Config) *Lease {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "iris"
	}

	return &Lease{
		client: client,
		config: config,
		owner:  fmt.Sprintf("%s/%s", hostname, uuid.New().String()),
	}
}

// Acquire attempts to take the run lease. A false return with a nil
// error means another run currently holds it and this run should exit
// without draining anything.
func (lease *Lease) Acquire(ctx context.Context) (bool, error) {
	acquired, err := lease.client.SetNX(ctx, lease.config.LeaseKey, lease.owner, lease.config.LeaseTTL()).Result()
	if err != nil {
		return false, &UnavailableError{Op: "lease acquire", cause: err}
	}

	if !acquired {
		holder, err := lease.client.Get(ctx, lease.config.LeaseKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, &UnavailableError{Op: "lease inspect", cause: err}
		}

		log.Warnf("Run lease %s is held by %s, refusing to start a concurrent run\n", lease.config.LeaseKey, holder)
		return false, nil
	}

	log.Debugf("Acquired run lease %s as %s (TTL %s)\n", lease.config.LeaseKey, lease.owner, lease.config.LeaseTTL())
	return true, nil
}

// Release frees the lease if this run still owns it.
func (lease *Lease) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, lease.client, []string{lease.config.LeaseKey}, lease.owner).Int()
	if err != nil {
		return &UnavailableError{Op: "lease release", cause: err}
	}

	if released == 0 {
		log.Warnf("Run lease %s expired before release; the run may have overlapped with another\n", lease.config.LeaseKey)
		return nil
	}

	log.Debugf("Released run lease %s\n", lease.config.LeaseKey)
	return nil
}

// Owner is the identity this run stamps into the lease key.
func (lease *Lease) Owner() string { return lease.owner }
