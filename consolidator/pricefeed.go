package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the USD price basis for a chain's native asset. Price
// caching and feed redundancy live outside this system.
type PriceFeed interface {
	NativeUSDPrice(ctx context.Context, chain string) (decimal.Decimal, error)
}

// coinGeckoIDs maps supported chain ids to CoinGecko asset ids.
var coinGeckoIDs = map[string]string{
	"1":     "ethereum",
	"137":   "polygon-ecosystem-token",
	"42161": "ethereum",
	"43114": "avalanche-2",
	"8453":  "ethereum",
	"56":    "binancecoin",
}

// CoinGeckoFeed is the thin HTTP implementation the service binary uses.
type CoinGeckoFeed struct {
	ApiUrl string
	client *http.Client
}

func NewCoinGeckoFeed(apiUrl string) *CoinGeckoFeed {
	if apiUrl == "" {
		apiUrl = "https://api.coingecko.com/api/v3"
	}
	return &CoinGeckoFeed{ApiUrl: apiUrl, client: &http.Client{}}
}

func (f *CoinGeckoFeed) NativeUSDPrice(ctx context.Context, chain string) (decimal.Decimal, error) {
	id, ok := coinGeckoIDs[chain]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", f.ApiUrl, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	var data map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, err
	}

	entry, ok := data[id]
	if !ok || entry.USD <= 0 {
		return decimal.Zero, fmt.Errorf("no usd price for %s", id)
	}
	return decimal.NewFromFloat(entry.USD), nil
}
