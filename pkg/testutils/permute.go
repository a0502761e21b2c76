package testutils

// Permutations calls fn once for every ordering of items. The slice passed to fn is reused
// between calls, copy it if it must outlive the callback. Meant for small inputs: n items
// produce n! calls.
func Permutations[T any](items []T, fn func([]T)) {
	perm := make([]T, len(items))
	copy(perm, items)

	// Heap's algorithm, iterative form.
	c := make([]int, len(perm))
	fn(perm)
	for i := 0; i < len(perm); {
		if c[i] < i {
			if i%2 == 0 {
				perm[0], perm[i] = perm[i], perm[0]
			} else {
				perm[c[i]], perm[i] = perm[i], perm[c[i]]
			}
			fn(perm)
			c[i]++
			i = 0
			continue
		}
		c[i] = 0
		i++
	}
}
