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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/status"
)

// unaryAttempt is one physical RPC invocation. It receives a context that
// already carries the metadata policy's headers and this attempt's
// deadline, if any.
type unaryAttempt func(ctx context.Context) error

// runUnary is the universal retry loop shared by every operation: apply
// metadata, invoke, and on failure either stop (retry budget exhausted) or
// back off and loop. retry and backoff are consumed in place — callers
// decide whether that means "cloned just for this call" (callOwning) or
// "shared across a run of calls" (callBorrowed, used by pagination).
func runUnary(ctx context.Context, retry RetryPolicy, backoff BackoffPolicy, md MetadataUpdatePolicy, log logr.Logger, opName string, attempt unaryAttempt) error {
	for {
		attemptCtx := ctx
		if md != nil {
			attemptCtx = md.Apply(ctx)
		}
		err := attempt(attemptCtx)
		log.V(1).Info("rpc attempt complete", "op", opName, "err", err)
		if err == nil {
			return nil
		}
		if !retry.OnFailure(err) {
			return fmt.Errorf("%s: %w", opName, err)
		}
		delay := backoff.OnFailure(err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// callOwning clones c's retry and backoff policies for the duration of this
// one call; the clone is discarded when the call returns.
func callOwning(ctx context.Context, c *Client, md MetadataUpdatePolicy, opName string, attempt unaryAttempt) error {
	return runUnary(ctx, c.retryPolicy.Clone(), c.backoffPolicy.Clone(), md, c.logger, opName, attempt)
}

// callBorrowed runs under caller-owned policy instances, so a sequence of
// calls (e.g. the pages of one listing) shares a single retry budget
// instead of each page getting its own fresh allowance.
func callBorrowed(ctx context.Context, retry RetryPolicy, backoff BackoffPolicy, md MetadataUpdatePolicy, log logr.Logger, opName string, attempt unaryAttempt) error {
	return runUnary(ctx, retry, backoff, md, log, opName, attempt)
}

// callNoRetry applies the metadata policy and invokes once, for operations
// that are not retry-safe (schema mutation).
func callNoRetry(ctx context.Context, md MetadataUpdatePolicy, attempt unaryAttempt) error {
	attemptCtx := ctx
	if md != nil {
		attemptCtx = md.Apply(ctx)
	}
	return attempt(attemptCtx)
}

// pageFetch performs one page request given the token to resume from, and
// returns the next page's token (empty when exhausted).
type pageFetch func(ctx context.Context, pageToken string) (nextPageToken string, err error)

// paginate drives fetch repeatedly, advancing the page token until fetch
// returns an empty token or a non-OK final status (after retry.OnFailure
// rejects further attempts for that page). retry and backoff are shared
// across every page in this call rather than reset per page, so a flaky
// listing can't retry forever one page at a time.
func paginate(ctx context.Context, retry RetryPolicy, backoff BackoffPolicy, md MetadataUpdatePolicy, log logr.Logger, opName string, fetch pageFetch) error {
	token := ""
	for {
		var next string
		err := callBorrowed(ctx, retry, backoff, md, log, opName, func(ctx context.Context) error {
			n, err := fetch(ctx, token)
			if err != nil {
				return err
			}
			next = n
			return nil
		})
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		token = next
	}
}
