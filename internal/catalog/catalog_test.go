package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type catalogBroker struct {
	byExchange map[models.Exchange][]models.Instrument
	err        error
	calls      int
}

func (b *catalogBroker) Instruments(_ context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.byExchange[exchange], nil
}

func (b *catalogBroker) Quotes(context.Context, []string) (map[string]models.Quote, error) {
	return nil, nil
}
func (b *catalogBroker) PlaceOrder(context.Context, models.OrderRequest) (string, error) {
	return "", nil
}
func (b *catalogBroker) OrderHistory(context.Context, string) ([]models.OrderEvent, error) {
	return nil, nil
}
func (b *catalogBroker) CancelOrder(context.Context, string) error { return nil }
func (b *catalogBroker) Positions(context.Context) ([]broker.BrokerPosition, error) {
	return nil, nil
}
func (b *catalogBroker) MarginFor(context.Context, models.OrderRequest) (models.Money, error) {
	return 0, nil
}
func (b *catalogBroker) AvailableMargin(context.Context) (models.Money, error) { return 0, nil }

func fixtureInstruments() map[models.Exchange][]models.Instrument {
	return map[models.Exchange][]models.Instrument{
		models.ExchangeNSE: {
			{Symbol: "TCS", Exchange: models.ExchangeNSE, Type: models.TypeEquity, Underlying: "TCS", LotSize: 1, TickSize: 5},
		},
		models.ExchangeNFO: {
			{
				Symbol: "NIFTY25OCT1425550PE", Exchange: models.ExchangeNFO,
				Type: models.TypeOptionPut, Underlying: "NIFTY",
				LotSize: 75, TickSize: 5, Strike: 2_555_000,
				Expiry: time.Date(2025, 10, 14, 0, 0, 0, 0, ist),
			},
			{
				Symbol: "NIFTY25OCTFUT", Exchange: models.ExchangeNFO,
				Type: models.TypeFuture, Underlying: "NIFTY",
				LotSize: 75, TickSize: 5,
				Expiry: time.Date(2025, 10, 28, 0, 0, 0, 0, ist),
			},
		},
	}
}

func newTestCatalog(t *testing.T) (*Catalog, *catalogBroker) {
	t.Helper()
	brk := &catalogBroker{byExchange: fixtureInstruments()}
	c := New(brk, nil, "", ist, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2025, 10, 10, 10, 0, 0, 0, ist) }
	return c, brk
}

func TestRefreshAndFind(t *testing.T) {
	c, brk := newTestCatalog(t)
	assert.False(t, c.Ready())

	require.NoError(t, c.Refresh(context.Background()))
	assert.True(t, c.Ready())
	assert.Equal(t, 2, brk.calls, "one download per exchange")
	assert.False(t, c.RefreshedAt().IsZero())
	assert.Len(t, c.All(), 3)

	inst, ok := c.Find("TCS")
	require.True(t, ok)
	assert.Equal(t, models.TypeEquity, inst.Type)

	_, ok = c.Find("NOPE")
	assert.False(t, ok)
}

func TestRefreshFailureRetainsPrevious(t *testing.T) {
	c, brk := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	brk.err = errors.New("gateway down")
	err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, c.Ready(), "previous catalog survives a failed refresh")
	assert.Len(t, c.All(), 3)

	_, ok := c.Find("TCS")
	assert.True(t, ok)
}

func TestRefreshFailureWithNoCatalog(t *testing.T) {
	c, brk := newTestCatalog(t)
	brk.err = errors.New("gateway down")
	require.Error(t, c.Refresh(context.Background()))
	assert.False(t, c.Ready())
}

func TestRefreshFromLocalCSV(t *testing.T) {
	csv := "instrument_token,tradingsymbol,name,expiry,strike,tick_size,lot_size,instrument_type,exchange\n" +
		"12345,TCS,TCS,,0,0.05,1,EQ,NSE\n" +
		"67890,NIFTY25OCT1425550PE,NIFTY,2025-10-14,25550,0.05,75,PE,NFO\n" +
		"11111,NIFTY 50,NIFTY 50,,0,0.05,1,INDEX,NSE\n"
	path := filepath.Join(t.TempDir(), "instruments.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))

	c := New(&catalogBroker{}, nil, path, ist, zerolog.Nop())
	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, c.All(), 2, "index rows are skipped")

	pe, ok := c.Find("NIFTY25OCT1425550PE")
	require.True(t, ok)
	assert.Equal(t, models.TypeOptionPut, pe.Type)
	assert.Equal(t, models.Money(2_555_000), pe.Strike)
	assert.Equal(t, int64(75), pe.LotSize)
	assert.True(t, pe.ExpiresOn(time.Date(2025, 10, 14, 0, 0, 0, 0, ist)))
}

func TestResolveExact(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	inst, err := c.Resolve("NIFTY25OCT1425550PE")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY25OCT1425550PE", inst.Symbol)
}

func TestResolveFuzzyRenamedContract(t *testing.T) {
	// A restored position carries the legacy weekly form; the catalog
	// lists the same contract under its canonical monthly-format symbol.
	c, _ := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	inst, err := c.Resolve("NIFTY25O1425550PE")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY25OCT1425550PE", inst.Symbol)
	assert.Equal(t, models.TypeOptionPut, inst.Type)
	assert.Equal(t, models.Money(2_555_000), inst.Strike)
}

func TestResolveCanonicalFuture(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	inst, err := c.Resolve("NIFTY25OCTFUT")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY25OCTFUT", inst.Symbol)
}

func TestResolveUnknown(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.Resolve("BANKNIFTY25OCT52000CE")
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "BANKNIFTY25OCT52000CE", nf.Symbol)

	_, err = c.Resolve("GIBBERISH")
	assert.ErrorAs(t, err, &nf)
}
