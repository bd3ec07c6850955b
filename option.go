package q402

import (
	"time"

	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/policy"
	"github.com/vitwit/q402/replay"
	"github.com/vitwit/q402/settlement"
	"github.com/vitwit/q402/verification"
)

type Option func(*Q402)

func WithLogger(l logger.Logger) Option {
	return func(q *Q402) {
		q.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(q *Q402) {
		q.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Q402) {
		q.now = now
	}
}

func WithVerifier(v verification.Verifier) Option {
	return func(q *Q402) {
		q.verifier = v
	}
}

func WithPolicy(p *policy.Engine) Option {
	return func(q *Q402) {
		q.policy = p
	}
}

func WithSettler(s settlement.Settler) Option {
	return func(q *Q402) {
		q.settler = s
	}
}

func WithReplayGuard(g replay.Guard) Option {
	return func(q *Q402) {
		q.replay = g
	}
}

func WithChallengeStore(s ChallengeStore) Option {
	return func(q *Q402) {
		q.store = s
	}
}
