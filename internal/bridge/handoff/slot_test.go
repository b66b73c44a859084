package handoff

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	src string
	seq uint64
	// payload is filled so that every element equals seq; a torn read would
	// show mixed values.
	payload []uint64
}

func (i *item) SourceKey() string      { return i.src }
func (i *item) SequenceNumber() uint64 { return i.seq }

func newItem(src string, seq uint64) *item {
	p := make([]uint64, 64)
	for k := range p {
		p[k] = seq
	}
	return &item{src: src, seq: seq, payload: p}
}

func TestLatestSlot_EmptyReturnsNone(t *testing.T) {
	s := NewLatestSlot[*item]()
	_, ok := s.Latest()
	assert.False(t, ok)
	assert.Nil(t, s.Load())
	assert.Zero(t, s.Version())
}

func TestLatestSlot_MonotonicPerSource(t *testing.T) {
	s := NewLatestSlot[*item]()

	require.True(t, s.Offer(newItem("a", 5)))
	assert.False(t, s.Offer(newItem("a", 3)), "older result must not overwrite")
	assert.False(t, s.Offer(newItem("a", 5)), "equal sequence must not overwrite")

	got, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.seq)

	// A different source is independent of a's high-water mark.
	require.True(t, s.Offer(newItem("b", 1)))
	got, _ = s.Latest()
	assert.Equal(t, "b", got.src)

	// a's mark survives b's publication.
	assert.False(t, s.Offer(newItem("a", 4)))
	assert.True(t, s.Offer(newItem("a", 6)))

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Accepted)
	assert.Equal(t, uint64(3), st.Stale)
	assert.Equal(t, uint64(3), st.Version)
}

func TestLatestSlot_Forget(t *testing.T) {
	s := NewLatestSlot[*item]()
	s.Offer(newItem("a", 10))
	hw, ok := s.HighWater("a")
	require.True(t, ok)
	assert.Equal(t, uint64(10), hw)

	s.Forget("a")
	assert.True(t, s.Offer(newItem("a", 1)), "retired source may restart its sequence")
}

func TestLatestSlot_ConcurrentReadersNeverSeeTornItems(t *testing.T) {
	s := NewLatestSlot[*item]()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for seq := uint64(1); seq <= 2000; seq++ {
				s.Offer(newItem("src", seq*4+uint64(w)))
			}
		}(w)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 2; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var lastVersion uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				e := s.Load()
				if e == nil {
					continue
				}
				for _, v := range e.Item.payload {
					if v != e.Item.seq {
						t.Errorf("torn item: seq=%d payload value=%d", e.Item.seq, v)
						return
					}
				}
				if e.Version < lastVersion {
					t.Errorf("version went backwards: %d -> %d", lastVersion, e.Version)
					return
				}
				lastVersion = e.Version
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	got, ok := s.Latest()
	require.True(t, ok)
	hw, _ := s.HighWater("src")
	assert.Equal(t, hw, got.seq, "slot holds the highest sequence published")
}
