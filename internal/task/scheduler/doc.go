// Package scheduler holds the schedule registry: registered jobs, their
// recurrence rules and the computation of which jobs are due at an instant.
//
// The registry is trigger-only. Execution, failure isolation and the poll
// loop live in internal/task/runner. The registry is responsible for:
//   - registering and removing jobs (ids are unique)
//   - computing next fire instants from each job's Rule
//   - recording fires (the only writer of a job's LastFired)
package scheduler
