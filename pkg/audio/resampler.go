package audio

import (
	"errors"
	"fmt"
	"sync"

	soxr "github.com/godeps/go-audio-soxr"
)

var errResamplerClosed = errors.New("audio: resampler closed")

type engineKey struct {
	inRate  int
	outRate int
}

// Engines are costly to build, so they are pooled per rate pair and reset
// before reuse.
var enginePools sync.Map

func enginePool(key engineKey) *sync.Pool {
	if pool, ok := enginePools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := enginePools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

func acquireEngine(key engineKey) (*soxr.SimpleResamplerFloat32, error) {
	if v := enginePool(key).Get(); v != nil {
		if r, ok := v.(*soxr.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return soxr.NewEngineFloat32(float64(key.inRate), float64(key.outRate), soxr.QualityHigh)
}

func releaseEngine(key engineKey, r *soxr.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	enginePool(key).Put(r)
}

// Resampler converts a continuous mono s16le stream between sample rates,
// keeping filter state across calls. It is not safe for concurrent use.
type Resampler struct {
	key    engineKey
	engine *soxr.SimpleResamplerFloat32
}

// NewResampler creates a streaming resampler from inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid rates %d -> %d", inRate, outRate)
	}
	key := engineKey{inRate: inRate, outRate: outRate}
	engine, err := acquireEngine(key)
	if err != nil {
		return nil, fmt.Errorf("audio: create soxr engine %d -> %d: %w", inRate, outRate, err)
	}
	return &Resampler{key: key, engine: engine}, nil
}

// Process resamples one chunk of s16le PCM. The result may be empty while the
// filter is priming.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if r == nil || r.engine == nil {
		return nil, errResamplerClosed
	}
	if len(pcm) < BytesPerSample {
		return nil, nil
	}
	samples := BytesToInt16SliceInto(AcquireInt16(len(pcm)/BytesPerSample), pcm)
	in := Int16SliceToFloat32Into(AcquireFloat32(len(samples)), samples)
	ReleaseInt16(samples)

	out, err := r.engine.Process(in)
	ReleaseFloat32(in)
	if err != nil {
		return nil, err
	}
	return floatToPCM(out), nil
}

// Flush drains samples still held by the filter.
func (r *Resampler) Flush() ([]byte, error) {
	if r == nil || r.engine == nil {
		return nil, errResamplerClosed
	}
	out, err := r.engine.Flush()
	if err != nil {
		return nil, err
	}
	return floatToPCM(out), nil
}

// Close returns the engine to its pool. It is safe to call more than once.
func (r *Resampler) Close() {
	if r == nil || r.engine == nil {
		return
	}
	releaseEngine(r.key, r.engine)
	r.engine = nil
}

func floatToPCM(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	tmp := Float32SliceToInt16SliceInto(AcquireInt16(len(samples)), samples)
	pcm := Int16SliceToBytesInto(nil, tmp)
	ReleaseInt16(tmp)
	return pcm
}
