// Package pipeline hands calculated-field results to the rule pipeline over
// NATS. Results are JSON-encoded calc.Result values published on
// <prefix>.<tenant>.<entity>, so consumers can subscribe per tenant with
// <prefix>.<tenant>.> or to everything with <prefix>.>.
package pipeline
