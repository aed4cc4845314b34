package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/models"
)

type quoteBroker struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
	err    error
	calls  int
	asked  [][]string
}

func (b *quoteBroker) Quotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.asked = append(b.asked, symbols)
	if b.err != nil {
		return nil, b.err
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := b.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (b *quoteBroker) Instruments(context.Context, models.Exchange) ([]models.Instrument, error) {
	return nil, nil
}
func (b *quoteBroker) PlaceOrder(context.Context, models.OrderRequest) (string, error) {
	return "", nil
}
func (b *quoteBroker) OrderHistory(context.Context, string) ([]models.OrderEvent, error) {
	return nil, nil
}
func (b *quoteBroker) CancelOrder(context.Context, string) error            { return nil }
func (b *quoteBroker) Positions(context.Context) ([]broker.BrokerPosition, error) { return nil, nil }
func (b *quoteBroker) MarginFor(context.Context, models.OrderRequest) (models.Money, error) {
	return 0, nil
}
func (b *quoteBroker) AvailableMargin(context.Context) (models.Money, error) { return 0, nil }

func q(symbol string, ltp models.Money) models.Quote {
	return models.Quote{Symbol: symbol, Exchange: models.ExchangeNSE, LTP: ltp, At: time.Now()}
}

func TestMGetBatchesMisses(t *testing.T) {
	brk := &quoteBroker{quotes: map[string]models.Quote{
		"NSE:INFY": q("INFY", 150_000),
		"NSE:TCS":  q("TCS", 400_000),
	}}
	c := New(brk, time.Minute, 16, zerolog.Nop())

	got, err := c.MGet(context.Background(), []string{"NSE:INFY", "NSE:TCS"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, brk.calls, "both misses fetched in one broker call")

	// Second round is served entirely from cache.
	got, err = c.MGet(context.Background(), []string{"NSE:INFY", "NSE:TCS"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, brk.calls)
}

func TestMGetPartialHitOnFetchFailure(t *testing.T) {
	brk := &quoteBroker{quotes: map[string]models.Quote{"NSE:INFY": q("INFY", 150_000)}}
	c := New(brk, time.Minute, 16, zerolog.Nop())

	_, err := c.MGet(context.Background(), []string{"NSE:INFY"})
	require.NoError(t, err)

	brk.err = errors.New("gateway down")
	got, err := c.MGet(context.Background(), []string{"NSE:INFY", "NSE:TCS"})
	require.NoError(t, err, "cache hits still served when the fetch fails")
	assert.Len(t, got, 1)
	assert.Contains(t, got, "NSE:INFY")

	// All-miss with a broken broker surfaces the error.
	empty := New(brk, time.Minute, 16, zerolog.Nop())
	_, err = empty.MGet(context.Background(), []string{"NSE:TCS"})
	assert.Error(t, err)
}

func TestGetExpiry(t *testing.T) {
	c := New(&quoteBroker{}, time.Minute, 16, zerolog.Nop())
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.Put(q("INFY", 150_000))
	_, ok := c.Get("NSE:INFY")
	assert.True(t, ok)

	now = base.Add(2 * time.Minute)
	_, ok = c.Get("NSE:INFY")
	assert.False(t, ok, "expired entry is a miss")
}

func TestSetTTLTightensWindow(t *testing.T) {
	c := New(&quoteBroker{}, time.Minute, 16, zerolog.Nop())
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.SetTTL(5 * time.Second)
	c.Put(q("INFY", 150_000))

	now = base.Add(10 * time.Second)
	_, ok := c.Get("NSE:INFY")
	assert.False(t, ok)
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := New(&quoteBroker{}, time.Minute, 2, zerolog.Nop())

	c.Put(q("A", 1))
	c.Put(q("B", 2))
	// Touch A so B becomes the eviction candidate.
	_, ok := c.Get("NSE:A")
	require.True(t, ok)

	c.Put(q("C", 3))
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("NSE:B")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("NSE:A")
	assert.True(t, ok)
}

func TestPutOverwritesFreshness(t *testing.T) {
	c := New(&quoteBroker{}, time.Minute, 16, zerolog.Nop())
	c.Put(q("INFY", 150_000))
	c.Put(q("INFY", 151_000))

	got, ok := c.Get("NSE:INFY")
	require.True(t, ok)
	assert.Equal(t, models.Money(151_000), got.LTP)
	assert.Equal(t, 1, c.Len())
}
