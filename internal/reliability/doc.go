// Package reliability provides retry policies for connection handling and
// caller-side publish retries.
//
// Policies are values: a policy describes how many failures are tolerated
// and how long to wait after each one, while the attempt counter lives with
// whoever drives the retries.
//
// Example usage:
//
//	policy := reliability.NewFixedDelay(time.Second, 5)
//	err := reliability.Retry(ctx, policy, func() error {
//	    _, err := channel.Publish(ctx, "orders", order)
//	    return err
//	})
package reliability
