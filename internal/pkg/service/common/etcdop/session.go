package etcdop

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/opusload/opus/internal/pkg/log"
)

// OnSessionFn is called for each new session, it must not block.
type OnSessionFn func(session *concurrency.Session) error

type sessionLoop struct {
	logger    log.Logger
	client    *etcd.Client
	ttl       int
	onSession OnSessionFn
	backoff   *backoff.ExponentialBackOff
	// init is closed after the first session, nil later
	init chan error
}

// ResistantSession keeps an etcd session with the TTL alive until the ctx is cancelled.
// An expired session, for example after a network outage, is replaced by a new one.
//
// The returned channel reports the result of the initialization:
// the first session, its first keep-alive and the first onSession call.
// Later failures are only logged and the session is re-created with a backoff.
func ResistantSession(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client *etcd.Client, ttlSeconds int, onSession OnSessionFn) <-chan error {
	l := &sessionLoop{
		logger:    logger.WithComponent("etcd-session"),
		client:    client,
		ttl:       ttlSeconds,
		onSession: onSession,
		backoff:   newSessionBackoff(),
		init:      make(chan error, 1),
	}
	initCh := l.init

	l.logger.Infof(ctx, `creating etcd session`)
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.run(ctx)
	}()
	return initCh
}

func (l *sessionLoop) run(ctx context.Context) {
	for {
		session, ok := l.create(ctx)
		if !ok {
			return
		}

		select {
		case <-ctx.Done():
			l.close(ctx, session)
			return
		case <-session.Done():
			delay := l.backoff.NextBackOff()
			l.logger.Infof(ctx, "re-creating etcd session, backoff delay %s", delay)
			if !wait(ctx, delay) {
				return
			}
		}
	}
}

// create returns a new session, it retries after the initialization.
func (l *sessionLoop) create(ctx context.Context) (*concurrency.Session, bool) {
	for {
		startTime := time.Now()
		session, err := l.newSession(ctx)
		if err == nil {
			l.backoff.Reset()
			l.logger.WithDuration(time.Since(startTime)).Info(ctx, "created etcd session")
			err = l.onSession(session)
		}

		switch {
		case err == nil:
			if l.init != nil {
				close(l.init)
				l.init = nil
			}
			return session, true
		case l.init != nil:
			if session != nil {
				_ = session.Close()
			}
			l.init <- err
			close(l.init)
			return nil, false
		case session != nil:
			// The session works, only the callback failed
			l.logger.Errorf(ctx, `etcd session callback failed: %s`, err)
			return session, true
		default:
			l.logger.Errorf(ctx, `cannot create etcd session: %s`, err)
			if !wait(ctx, l.backoff.NextBackOff()) {
				return nil, false
			}
		}
	}
}

func (l *sessionLoop) newSession(ctx context.Context) (*concurrency.Session, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, err
	}

	// Wait for the first keep-alive, so the lease is surely alive
	if l.init != nil {
		if _, err := session.Client().KeepAliveOnce(ctx, session.Lease()); err != nil {
			_ = session.Close()
			return nil, err
		}
	}
	return session, nil
}

func (l *sessionLoop) close(ctx context.Context, session *concurrency.Session) {
	startTime := time.Now()
	l.logger.Info(ctx, "closing etcd session")
	if err := session.Close(); err != nil {
		l.logger.Warnf(ctx, "cannot close etcd session: %s", err)
		return
	}
	l.logger.WithDuration(time.Since(startTime)).Info(ctx, "closed etcd session")
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
