package tabular

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Sampler partitions a Dataset across distributed workers and yields batched
// tensors for one worker's shard.
//
// Every worker sees an equally sized shard: the index list is padded by
// wrapping around, so TotalSize() == ceil(Len/worldSize)*worldSize rows are
// assigned overall, a few of them twice. Shuffling is deterministic given
// (seed, epoch), so all workers agree on the permutation and the shards stay
// disjoint; call SetEpoch before each epoch to re-seed the partitioning.
//
// Sampler implements gomlx's train.Dataset: Yield returns one batch of
// ((batch, numFeatures) float32, (batch, 1) int32) tensors and io.EOF once
// the shard is exhausted until the next Reset.
type Sampler struct {
	ds         *Dataset
	rank       int
	worldSize  int
	batchSize  int
	shuffle    bool
	dropLast   bool
	seed       int64
	epoch      int
	shardSize  int // rows per worker, == TotalSize()/worldSize
	shard      []int
	next       int
}

// SamplerConfig holds the sharding options of a Sampler.
type SamplerConfig struct {
	Rank      int
	WorldSize int
	BatchSize int

	// Shuffle re-permutes the indices at each SetEpoch. Train samplers
	// shuffle, eval samplers usually don't.
	Shuffle bool

	// DropLast drops the incomplete tail batch of the shard.
	DropLast bool

	// Seed of the epoch permutations. The same seed must be used on
	// every worker.
	Seed int64
}

// NewSampler creates a Sampler over ds for the worker at config.Rank.
func NewSampler(ds *Dataset, config SamplerConfig) *Sampler {
	s := &Sampler{
		ds:        ds,
		rank:      config.Rank,
		worldSize: config.WorldSize,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		dropLast:  config.DropLast,
		seed:      config.Seed,
	}
	s.shardSize = (ds.Len() + s.worldSize - 1) / s.worldSize
	s.reshard()
	return s
}

// SetEpoch re-seeds the partitioning for the given epoch and rewinds the
// sampler. Must be called with the same value on every worker.
func (s *Sampler) SetEpoch(epoch int) {
	s.epoch = epoch
	s.reshard()
}

// TotalSize returns the padded number of rows assigned across all workers.
func (s *Sampler) TotalSize() int { return s.shardSize * s.worldSize }

// NumBatches returns how many batches one pass over this worker's shard
// yields.
func (s *Sampler) NumBatches() int {
	if s.dropLast {
		return s.shardSize / s.batchSize
	}
	return (s.shardSize + s.batchSize - 1) / s.batchSize
}

// Name implements train.Dataset.
func (s *Sampler) Name() string { return s.ds.Name() }

// Reset implements train.Dataset, rewinding the sampler to the start of its
// shard for the current epoch.
func (s *Sampler) Reset() {
	s.next = 0
}

// Yield implements train.Dataset. It returns the next batch of the shard as
// a (batch, numFeatures) float32 inputs tensor and a (batch, 1) int32 labels
// tensor, or io.EOF when the shard is exhausted.
func (s *Sampler) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	remaining := len(s.shard) - s.next
	if remaining <= 0 || (s.dropLast && remaining < s.batchSize) {
		return nil, nil, nil, io.EOF
	}
	batch := s.batchSize
	if remaining < batch {
		batch = remaining
	}
	rows := s.shard[s.next : s.next+batch]
	s.next += batch

	numFeatures := s.ds.NumFeatures()
	inputsT := tensors.FromShape(shapes.Make(dtypes.Float32, batch, numFeatures))
	labelsT := tensors.FromShape(shapes.Make(dtypes.Int32, batch, 1))
	tensors.MutableFlatData(inputsT, func(flat []float32) {
		tensors.MutableFlatData(labelsT, func(labelsFlat []int32) {
			for ii, row := range rows {
				features, label := s.ds.At(row)
				copy(flat[ii*numFeatures:], features)
				labelsFlat[ii] = label
			}
		})
	})
	return nil, []*tensors.Tensor{inputsT}, []*tensors.Tensor{labelsT}, nil
}

// reshard rebuilds this worker's padded index shard for the current epoch.
func (s *Sampler) reshard() {
	n := s.ds.Len()
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = ii
	}
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	total := s.TotalSize()
	s.shard = s.shard[:0]
	// Strided assignment: worker r takes indices r, r+worldSize, r+2*worldSize, ...
	// padding by wrapping around the permutation.
	for pos := s.rank; pos < total; pos += s.worldSize {
		s.shard = append(s.shard, indices[pos%n])
	}
	s.next = 0
}
