// Package batch runs a list of search terms as one logical operation.
//
// Each term becomes an independent query submitted to the scheduler, so a
// batch never bypasses the global concurrency ceiling. The batch reports one
// consolidated progress value, recomputed after every member completion:
//
//	agg, _ := batch.New(sched)
//	b, err := agg.Run(terms, query.KindByName, 3, target)
//	for p := range b.Events() {
//		fmt.Printf("%d/%d %.0f%%\n", p.Completed, p.Total, p.Percent)
//	}
//	state := b.Wait()
//
// The batch:
//   - submits only the first min(len(terms), requestedCount) terms
//   - counts failed members as completed and never fails as a whole
//   - accumulates results in completion order, not submission order
//   - ends "completed" or "failed-partial" once every member is terminal
package batch
