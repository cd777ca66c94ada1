// Package scrape defines the job, schedule and result types shared by the
// queue controller, the recurrence evaluator, the result combiner and the
// execution pipeline, together with the ports those components depend on.
package scrape
