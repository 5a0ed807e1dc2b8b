package importer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

func TestParseParamsHeaderOrderIsFree(t *testing.T) {
	in := `# stop/take rules
symbol,strategy,quantity,side,take,stop,reduce_only
btcusdt,breakout,0.010,buy,65000,59000,false
ETHUSDT,fade,1,SELL,,3100.5,true
`
	params, err := ParseParams(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, params, 2)

	require.Equal(t, "BTCUSDT", params[0].Symbol)
	require.Equal(t, schema.SideBuy, params[0].Side)
	require.True(t, params[0].Quantity.Equal(decimal.RequireFromString("0.01")))
	require.True(t, params[0].Take.Equal(decimal.NewFromInt(65000)))
	require.True(t, params[0].Stop.Equal(decimal.NewFromInt(59000)))

	require.Equal(t, schema.SideSell, params[1].Side)
	require.True(t, params[1].Take.IsZero())
	require.True(t, params[1].ReduceOnly)
}

func TestParseParamsRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"missing column": "strategy,symbol,side\nx,BTCUSDT,BUY\n",
		"no trigger":     "strategy,symbol,side,quantity\nx,BTCUSDT,BUY,1\n",
		"inverted":       "strategy,symbol,side,quantity,stop,take\nx,BTCUSDT,BUY,1,10,5\n",
		"bad side":       "strategy,symbol,side,quantity,stop\nx,BTCUSDT,LONG,1,5\n",
		"zero quantity":  "strategy,symbol,side,quantity,stop\nx,BTCUSDT,BUY,0,5\n",
		"duplicate":      "strategy,symbol,side,quantity,stop\nx,BTCUSDT,BUY,1,5\nx,BTCUSDT,SELL,1,6\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(strings.NewReader(in))
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalid), "got %v", err)
		})
	}
}

func TestLoadParamsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.csv")
	require.NoError(t, os.WriteFile(path, []byte("strategy,symbol,side,quantity,stop\ns1,BTCUSDT,SELL,2,100\n"), 0o600))

	params, err := LoadParams(path)
	require.NoError(t, err)
	require.Len(t, params, 1)
	require.Equal(t, "s1", params[0].Strategy)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestTradeFeederReplaysInOrder(t *testing.T) {
	in := "timestamp,price,qty,symbol\n1700000000000,100.5,0.2,btcusdt\n1700000000500,101,1,BTCUSDT\n"
	feeder, err := NewTradeFeeder(strings.NewReader(in), "")
	require.NoError(t, err)

	first, err := feeder.Next()
	require.NoError(t, err)
	require.Equal(t, schema.EventTrade, first.Type)
	require.Equal(t, "replay", first.Channel)
	require.Equal(t, "BTCUSDT", first.Symbol)
	require.Equal(t, uint64(1), first.Seq)
	trade := first.Payload.(schema.Trade)
	require.True(t, trade.Price.Equal(decimal.RequireFromString("100.5")))
	require.Equal(t, int64(1700000000000), first.EventTime.UnixMilli())

	second, err := feeder.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Seq)

	_, err = feeder.Next()
	require.True(t, errors.Is(err, io.EOF))
}
