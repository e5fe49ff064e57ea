// Package retry provides exponential backoff retry logic for transient failures.
//
// It is used by backends to (re)establish broker connections:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Wrap an error with NonRetryable to abort the loop immediately. Presets:
// DefaultConfig (3 attempts), Quick (10 attempts, startup) and Persistent
// (30 attempts, backend connections).
package retry
