// Package leaderelection implements Lease based leader election through the
// API server.
package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/utils/clock"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/client"
)

const DefaultNamespace = "kube-system"

type Config struct {
	LockName  string
	Namespace string
	Identity  string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	// ReleaseOnCancel clears the holder when ctx is cancelled so another
	// candidate can take over without waiting for the lease to expire.
	ReleaseOnCancel bool

	Callbacks Callbacks
	Client    *client.Client
	Clock     clock.WithTicker
}

type Callbacks struct {
	OnStartedLeading func(context.Context)
	OnStoppedLeading func()
	// OnNewLeader is called with the identity of every newly observed holder.
	OnNewLeader func(identity string)
}

// DefaultIdentity returns the hostname with a random suffix.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "_" + uuid.NewString()
}

// RunOrDie blocks until ctx is done, leading whenever it holds the lease. An
// invalid config is fatal.
func RunOrDie(ctx context.Context, config Config) {
	le, err := NewLeaderElector(config)
	if err != nil {
		log.Fatalf("Invalid leader election config: %v", err)
	}
	le.Run(ctx)
}

type LeaderElector struct {
	config Config

	lock           sync.Mutex
	observedLeader string
	leading        bool
}

func NewLeaderElector(config Config) (*LeaderElector, error) {
	if config.LockName == "" {
		return nil, errors.New("lock name must not be empty")
	}
	if config.Client == nil {
		return nil, errors.New("client must not be nil")
	}
	if config.RetryPeriod <= 0 {
		return nil, errors.New("retry period must be greater than zero")
	}
	if config.RenewDeadline <= config.RetryPeriod {
		return nil, errors.New("renew deadline must be greater than retry period")
	}
	if config.LeaseDuration <= config.RenewDeadline {
		return nil, errors.New("lease duration must be greater than renew deadline")
	}
	if config.Callbacks.OnStartedLeading == nil {
		return nil, errors.New("OnStartedLeading callback must not be nil")
	}
	if config.Identity == "" {
		config.Identity = DefaultIdentity()
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	return &LeaderElector{config: config}, nil
}

// IsLeader reports whether this candidate currently holds the lease.
func (le *LeaderElector) IsLeader() bool {
	le.lock.Lock()
	defer le.lock.Unlock()
	return le.leading
}

// GetLeader returns the last observed holder.
func (le *LeaderElector) GetLeader() string {
	le.lock.Lock()
	defer le.lock.Unlock()
	return le.observedLeader
}

func (le *LeaderElector) Run(ctx context.Context) {
	logger := log.WithFields(log.Fields{"lease": le.config.LockName, "identity": le.config.Identity})
	for {
		logger.Info("Attempting to acquire leader lease...")
		if !le.acquire(ctx) {
			return
		}
		logger.Info("Successfully acquired lease. Leading...")

		leaderCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			le.config.Callbacks.OnStartedLeading(leaderCtx)
		}()

		le.renew(leaderCtx)
		cancel()
		<-done
		le.setLeading(false)
		if le.config.Callbacks.OnStoppedLeading != nil {
			le.config.Callbacks.OnStoppedLeading()
		}
		logger.Info("Lost leadership")

		if ctx.Err() != nil {
			if le.config.ReleaseOnCancel {
				le.release()
			}
			return
		}
	}
}

// acquire retries every RetryPeriod until the lease is held or ctx is done.
func (le *LeaderElector) acquire(ctx context.Context) bool {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, le.tryAcquireOrRenew(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(le.config.RetryPeriod)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			log.WithField("lease", le.config.LockName).Debugf("Failed to acquire lease: %v", err)
		}),
	)
	if err != nil {
		return false
	}
	le.setLeading(true)
	return true
}

// renew keeps the lease until a renewal fails for longer than RenewDeadline
// or ctx is done.
func (le *LeaderElector) renew(ctx context.Context) {
	ticker := le.config.Clock.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, le.tryAcquireOrRenew(ctx)
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(le.config.RetryPeriod/2)),
			backoff.WithMaxElapsedTime(le.config.RenewDeadline),
		)
		if err != nil {
			if ctx.Err() == nil {
				log.WithField("lease", le.config.LockName).Warnf("Failed to renew lease: %v", err)
			}
			return
		}
	}
}

func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) error {
	cli := le.config.Client
	now := le.config.Clock.Now()
	durationSeconds := int32(math.Ceil(le.config.LeaseDuration.Seconds()))

	var lease api.Lease
	err := cli.GetInto(ctx, api.ResourceLeases, le.config.LockName, &lease)
	if apierrors.IsNotFound(err) {
		transitions := int32(0)
		lease = api.Lease{
			ObjectMeta: api.ObjectMeta{
				Name:      le.config.LockName,
				Namespace: le.config.Namespace,
			},
			Spec: api.LeaseSpec{
				HolderIdentity:       &le.config.Identity,
				AcquireTime:          &now,
				RenewTime:            &now,
				LeaseDurationSeconds: &durationSeconds,
				LeaseTransitions:     &transitions,
			},
		}
		if err := cli.CreateFrom(ctx, api.ResourceLeases, &lease); err != nil {
			return err
		}
		le.observe(le.config.Identity)
		return nil
	}
	if err != nil {
		return err
	}

	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}
	if holder != "" {
		le.observe(holder)
	}
	if holder != "" && holder != le.config.Identity && !le.expired(&lease, now) {
		return fmt.Errorf("lease currently held by %s", holder)
	}

	if holder != le.config.Identity {
		lease.Spec.AcquireTime = &now
		transitions := int32(0)
		if lease.Spec.LeaseTransitions != nil {
			transitions = *lease.Spec.LeaseTransitions
		}
		transitions++
		lease.Spec.LeaseTransitions = &transitions
	}
	lease.Spec.HolderIdentity = &le.config.Identity
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseDurationSeconds = &durationSeconds

	// The resourceVersion read above makes this a compare-and-swap.
	if err := cli.UpdateFrom(ctx, api.ResourceLeases, &lease); err != nil {
		return err
	}
	le.observe(le.config.Identity)
	return nil
}

func (le *LeaderElector) expired(lease *api.Lease, now time.Time) bool {
	if lease.Spec.RenewTime == nil {
		return true
	}
	duration := le.config.LeaseDuration
	if lease.Spec.LeaseDurationSeconds != nil {
		duration = time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	}
	return !now.Before(lease.Spec.RenewTime.Add(duration))
}

// release clears the holder if this candidate still holds the lease.
func (le *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), le.config.RenewDeadline)
	defer cancel()

	var lease api.Lease
	if err := le.config.Client.GetInto(ctx, api.ResourceLeases, le.config.LockName, &lease); err != nil {
		log.WithField("lease", le.config.LockName).Warnf("Failed to release lease: %v", err)
		return
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != le.config.Identity {
		return
	}
	lease.Spec.HolderIdentity = nil
	if err := le.config.Client.UpdateFrom(ctx, api.ResourceLeases, &lease); err != nil {
		log.WithField("lease", le.config.LockName).Warnf("Failed to release lease: %v", err)
	}
}

func (le *LeaderElector) observe(holder string) {
	le.lock.Lock()
	changed := holder != le.observedLeader
	le.observedLeader = holder
	le.lock.Unlock()
	if changed && le.config.Callbacks.OnNewLeader != nil {
		le.config.Callbacks.OnNewLeader(holder)
	}
}

func (le *LeaderElector) setLeading(leading bool) {
	le.lock.Lock()
	defer le.lock.Unlock()
	le.leading = leading
}
