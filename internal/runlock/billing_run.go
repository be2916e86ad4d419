package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyBillingRun  = "pondops:billing:run:%s"
	defaultLockTTL = 2 * time.Hour
)

// BillingRunLock serializes monthly billing runs per period. When disabled
// every TryLock succeeds, which is the single-replica deployment. A held lock
// is renewed every third of its ttl until Release or until the run context
// ends, so a run may outlast the ttl.
type BillingRunLock struct {
	enabled bool
	locker  *Locker
	ttl     time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	renewals map[string]context.CancelFunc
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

func NewBillingRunLock(p Params) (billingdomain.RunLock, error) {
	redisCfg := p.Cfg.Redis
	if !redisCfg.LockEnabled {
		return &BillingRunLock{}, nil
	}

	addr := strings.TrimSpace(redisCfg.Addr)
	if addr == "" {
		return nil, errors.New("billing run lock redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(redisCfg.Password),
		DB:       redisCfg.DB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	p.Log.Info("billing.run_lock.enabled", zap.String("addr", addr), zap.Duration("ttl", lockTTL(redisCfg.LockTTL)))

	return newBillingRunLock(client, redisCfg.LockTTL, p.Log.Named("runlock")), nil
}

func newBillingRunLock(client *redis.Client, ttl time.Duration, log *zap.Logger) *BillingRunLock {
	return &BillingRunLock{
		enabled:  true,
		locker:   NewLocker(client),
		ttl:      lockTTL(ttl),
		log:      log,
		renewals: map[string]context.CancelFunc{},
	}
}

func lockTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultLockTTL
	}
	return ttl
}

func (l *BillingRunLock) Enabled() bool {
	return l != nil && l.enabled
}

func (l *BillingRunLock) TryLock(ctx context.Context, periodKey string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	periodKey = strings.TrimSpace(periodKey)
	if periodKey == "" {
		return "", false, errEmptyKey
	}
	key := fmt.Sprintf(keyBillingRun, periodKey)
	token, ok, err := l.locker.TryLock(ctx, key, l.ttl)
	if err != nil || !ok {
		return token, ok, err
	}

	renewCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.renewals[token] = cancel
	l.mu.Unlock()
	go keepAlive(renewCtx, l.ttl/3, func(ctx context.Context) (bool, error) {
		return l.locker.Extend(ctx, key, token, l.ttl)
	}, l.log.With(zap.String("key", key)))
	return token, true, nil
}

func (l *BillingRunLock) Release(ctx context.Context, periodKey, token string) error {
	if !l.Enabled() {
		return nil
	}
	l.mu.Lock()
	if cancel, ok := l.renewals[token]; ok {
		cancel()
		delete(l.renewals, token)
	}
	l.mu.Unlock()
	return l.locker.Release(ctx, fmt.Sprintf(keyBillingRun, strings.TrimSpace(periodKey)), token)
}

// keepAlive calls extend every interval until ctx ends or the lock is lost.
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error), log *zap.Logger) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := extend(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("billing.run_lock.renew_failed", zap.Error(err))
				continue
			}
			if !held {
				log.Warn("billing.run_lock.lost")
				return
			}
		}
	}
}
