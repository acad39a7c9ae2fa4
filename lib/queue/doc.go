/*
Package queue implements a priority query queue on top of the keyed heap in lib/mapheap.

Every queued action has a unique key, an owner (typically the entity or
view that issued it) and a priority. A dispatcher goroutine repeatedly waits
for a free worker slot and then runs the highest ranked action. Among actions
with equal priority the one enqueued first wins.

Usage:

	q := queue.New[[]byte](queue.Config{Workers: 4})
	defer q.Close()

	f, err := q.Enqueue("table-view", "topk/orders/city", queue.PriorityActiveEntity,
		func(ctx context.Context) ([]byte, error) {
			return fetch(ctx)
		})
	if err != nil {
		return err
	}

	// the user switched to another view
	q.UpdateOwnerPriority("table-view", queue.PriorityInactiveEntity)

	// the view was closed
	q.ClearQueue("table-view")

	result, err := f.Await(ctx)

Priorities can only be changed while an action is queued. Once dispatched
an action can only be cancelled, which cancels the context passed to it.
*/
package queue
