/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cbt

import (
	"context"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/metadata"
)

// RetryPolicy decides, after a failed attempt, whether another attempt is
// permitted. It is consulted exactly once per failed attempt, after the
// attempt has completed and before any backoff sleep.
type RetryPolicy interface {
	// Clone returns an independent copy carrying fresh per-operation state
	// (e.g. an attempt counter or a deadline). Every operation clones its
	// policies at the start and discards the clone at the end; policies
	// are never shared across concurrent operations.
	Clone() RetryPolicy

	// OnFailure reports whether the operation may retry after err. It is
	// legal to return false for a status this policy does not consider
	// retryable in the first place, even if the error classifier marked
	// it retryable.
	OnFailure(err error) bool
}

// LimitedErrorCountRetryPolicy permits at most MaxAttempts additional
// attempts after the first failure.
type LimitedErrorCountRetryPolicy struct {
	MaxAttempts int

	failures int
}

// NewLimitedErrorCountRetryPolicy returns a policy allowing up to max
// retries (so max+1 total attempts).
func NewLimitedErrorCountRetryPolicy(max int) *LimitedErrorCountRetryPolicy {
	return &LimitedErrorCountRetryPolicy{MaxAttempts: max}
}

func (p *LimitedErrorCountRetryPolicy) Clone() RetryPolicy {
	return &LimitedErrorCountRetryPolicy{MaxAttempts: p.MaxAttempts}
}

func (p *LimitedErrorCountRetryPolicy) OnFailure(err error) bool {
	if !isRetryableCode(err) {
		return false
	}
	p.failures++
	return p.failures <= p.MaxAttempts
}

// LimitedTimeRetryPolicy permits retries until Deadline has elapsed since
// the policy was cloned (i.e. since the operation began).
type LimitedTimeRetryPolicy struct {
	Deadline time.Duration

	deadline time.Time
}

// NewLimitedTimeRetryPolicy returns a policy allowing retries for up to
// deadline from the moment the operation starts.
func NewLimitedTimeRetryPolicy(deadline time.Duration) *LimitedTimeRetryPolicy {
	return &LimitedTimeRetryPolicy{Deadline: deadline}
}

func (p *LimitedTimeRetryPolicy) Clone() RetryPolicy {
	return &LimitedTimeRetryPolicy{Deadline: p.Deadline, deadline: time.Now().Add(p.Deadline)}
}

func (p *LimitedTimeRetryPolicy) OnFailure(err error) bool {
	if !isRetryableCode(err) {
		return false
	}
	if p.deadline.IsZero() {
		p.deadline = time.Now().Add(p.Deadline)
	}
	return time.Now().Before(p.deadline)
}

// BackoffPolicy computes the delay before the next attempt, given the
// status that caused the previous attempt to fail.
type BackoffPolicy interface {
	Clone() BackoffPolicy
	OnFailure(err error) time.Duration
}

// ExponentialBackoffPolicy is an exponential backoff with jitter, built on
// gax.Backoff rather than a hand-rolled multiplier loop.
type ExponentialBackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	b *gax.Backoff
}

// NewExponentialBackoffPolicy returns a policy with sane defaults if
// multiplier is zero.
func NewExponentialBackoffPolicy(initial, max time.Duration, multiplier float64) *ExponentialBackoffPolicy {
	if multiplier == 0 {
		multiplier = 2.0
	}
	return &ExponentialBackoffPolicy{Initial: initial, Max: max, Multiplier: multiplier}
}

func (p *ExponentialBackoffPolicy) Clone() BackoffPolicy {
	return &ExponentialBackoffPolicy{
		Initial:    p.Initial,
		Max:        p.Max,
		Multiplier: p.Multiplier,
		b: &gax.Backoff{
			Initial:    p.Initial,
			Max:        p.Max,
			Multiplier: p.Multiplier,
		},
	}
}

func (p *ExponentialBackoffPolicy) OnFailure(err error) time.Duration {
	if p.b == nil {
		p.b = &gax.Backoff{Initial: p.Initial, Max: p.Max, Multiplier: p.Multiplier}
	}
	return p.b.Pause()
}

// defaultRetryPolicy and defaultBackoffPolicy are applied when a caller
// leaves the corresponding ClientConfig field unset, and always by
// AdminClient.
func defaultRetryPolicy() RetryPolicy {
	return NewLimitedErrorCountRetryPolicy(5)
}

func defaultBackoffPolicy() BackoffPolicy {
	return NewExponentialBackoffPolicy(100*time.Millisecond, 2*time.Second, 1.2)
}

// MutationIdempotencyPolicy classifies a single mutation as safe to retry.
type MutationIdempotencyPolicy interface {
	IsIdempotent(m *btpb.Mutation) bool
}

// DefaultIdempotentMutationPolicy is idempotent iff the mutation carries an
// explicit (non-server-assigned) timestamp wherever one is meaningful.
type DefaultIdempotentMutationPolicy struct{}

func (DefaultIdempotentMutationPolicy) IsIdempotent(m *btpb.Mutation) bool {
	if sc := m.GetSetCell(); sc != nil {
		return sc.TimestampMicros != int64(ServerTime)
	}
	return true
}

// AlwaysRetryMutationPolicy opts a caller into treating every mutation as
// idempotent, even server-timestamped ones. Use only when the application
// itself can tolerate duplicate application of a mutation.
type AlwaysRetryMutationPolicy struct{}

func (AlwaysRetryMutationPolicy) IsIdempotent(*btpb.Mutation) bool { return true }

// mutationsAreIdempotent reports whether every op in muts is idempotent
// under policy; an empty slice is vacuously idempotent.
func mutationsAreIdempotent(policy MutationIdempotencyPolicy, muts []*btpb.Mutation) bool {
	for _, m := range muts {
		if !policy.IsIdempotent(m) {
			return false
		}
	}
	return true
}

// MetadataUpdatePolicy attaches routing metadata to an attempt's call
// context before dispatch.
type MetadataUpdatePolicy interface {
	Apply(ctx context.Context) context.Context
}

// tableMetadataPolicy attaches the resource-prefix and request-params
// headers a Table needs on every attempt.
type tableMetadataPolicy struct {
	md metadata.MD
}

func (p tableMetadataPolicy) Apply(ctx context.Context) context.Context {
	ctxMD, _ := metadata.FromOutgoingContext(ctx)
	return metadata.NewOutgoingContext(ctx, metadata.Join(ctxMD, p.md))
}

func newTableMetadataPolicy(c *Client, table string) tableMetadataPolicy {
	return tableMetadataPolicy{md: metadata.Join(metadata.Pairs(
		resourcePrefixHeader, c.fullTableName(table),
		requestParamsHeader, c.requestParamsHeaderValue(table),
	))}
}

const (
	resourcePrefixHeader = "google-cloud-resource-prefix"
	requestParamsHeader  = "x-goog-request-params"
)
