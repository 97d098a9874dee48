package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Batch is a minibatch of flattened images, one per row.
type Batch struct {
	Index  int
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of samples in b.
func (b Batch) Size() int { return len(b.Labels) }

// LoaderOptions configures batching for one split.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// NumWorkers goroutines assemble batches ahead of the consumer.
	NumWorkers int
}

// Loader yields a split in batches, reshuffling every epoch.
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
}

// NewLoader binds a loader to ds.
func NewLoader(ds *Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: dataset is nil")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{ds: ds, opts: opts}, nil
}

// Len returns the number of samples in the split.
func (l *Loader) Len() int { return l.ds.Len() }

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// Epoch starts pass number epoch over the split. The shuffle depends only on
// the seed and epoch, so a resumed run sees the same order as an uninterrupted
// one. Batches arrive in order; the last may be short. After the batch channel closes the error channel yields the
// cancellation cause, if any, and then closes.
func (l *Loader) Epoch(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	order := l.order(epoch)
	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, l.opts.NumWorkers)
	results := make(chan Batch, l.opts.NumWorkers)
	out := make(chan Batch, l.opts.NumWorkers)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order, l.opts.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, l.ds, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := runAggregator(ctx, results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// epochStride spreads consecutive epochs over unrelated seeds.
const epochStride = 1_000_003

func (l *Loader) order(epoch int) []int {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)*epochStride))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

type batchJob struct {
	id      int
	indices []int
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, order []int, batchSize int) {
	defer close(jobs)
	id := 0
	for lo := 0; lo < len(order); lo += batchSize {
		hi := min(lo+batchSize, len(order))
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: order[lo:hi]}:
			id++
		}
	}
}

func worker(ctx context.Context, ds *Dataset, jobs <-chan batchJob, results chan<- Batch) {
	dim := ds.Dim()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			inputs := mat.NewDense(len(job.indices), dim, nil)
			labels := make([]int, len(job.indices))
			for i, k := range job.indices {
				copy(inputs.RawRowView(i), ds.Image(k))
				labels[i] = ds.Labels[k]
			}
			select {
			case <-ctx.Done():
				return
			case results <- Batch{Index: job.id, Inputs: inputs, Labels: labels}:
			}
		}
	}
}

// runAggregator re-sequences batches finished out of order by the workers.
func runAggregator(ctx context.Context, results <-chan Batch, out chan<- Batch) error {
	pending := make(map[int]Batch)
	next := 0
	for {
		if b, ok := pending[next]; ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- b:
			}
			delete(pending, next)
			next++
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-results:
			if !ok {
				// Workers also stop on cancellation; don't report a short epoch as done.
				return ctx.Err()
			}
			pending[b.Index] = b
		}
	}
}
