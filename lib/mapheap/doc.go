// Package mapheap provides a generic priority heap that also supports key-based access.
//
// This implementation combines a binary heap with a hash map to provide both
// efficient priority-based operations and key-based access. Each entry records
// its own position in the heap slice, so deleting or re-prioritizing an entry
// never needs a linear search.
//
// Time Complexity:
//   - O(log n) for Push, Pop, Delete and Update
//   - O(1) for Peek, Get and Contains
//   - O(n) for RemoveFunc (bulk removal re-heapifies once)
//
// Ordering:
//
//	The heap is max-first with respect to the comparator passed to New:
//	cmp(a, b) > 0 means a is popped before b. Values that compare equal are
//	popped in unspecified order, add a sequence number to the comparator if
//	FIFO order is required.
//
// Concurrency Considerations:
//
//	MapHeap is not thread-safe. For concurrent use, external synchronization
//	must be applied (see lib/queue).
//
// Example usage:
//
//	type job struct {
//	    id   string
//	    prio int
//	}
//
//	h := mapheap.New(
//	    func(a, b *job) int { return a.prio - b.prio },
//	    func(j *job) string { return j.id },
//	)
//
//	_ = h.Push(&job{id: "a", prio: 1})
//	_ = h.Push(&job{id: "b", prio: 5})
//
//	// raise the priority of "a" in place
//	j, _ := h.Get("a")
//	j.prio = 10
//	h.Update("a")
//
//	top, _ := h.Pop() // -> "a"
package mapheap
