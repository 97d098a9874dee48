package autograd

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// mulRows computes dst = a·b, splitting the rows of a across workers
// goroutines. Each goroutine writes a disjoint row band of dst.
func mulRows(dst, a, b *mat.Dense, workers int) {
	rows, inner := a.Dims()
	if workers <= 1 || rows < 2*workers {
		dst.Mul(a, b)
		return
	}
	_, cols := dst.Dims()
	chunk := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			band := dst.Slice(lo, hi, 0, cols).(*mat.Dense)
			band.Mul(a.Slice(lo, hi, 0, inner), b)
		}(lo, hi)
	}
	wg.Wait()
}
