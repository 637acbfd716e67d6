package consolidator

import (
	"fmt"
	"os"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"github.com/dustpan/consolidator/aggregator"
)

// MaxServiceFeeBps is the system-wide ceiling on the operator's service fee.
// Enforced at configuration time, not at settlement time.
const MaxServiceFeeBps = 500

type Config struct {
	ListenAddr   string `toml:"listen_addr" env:"CONSOLIDATOR_LISTEN_ADDR"`
	DbPath       string `toml:"db_path" env:"CONSOLIDATOR_DB_PATH"`
	FeeCollector string `toml:"fee_collector" env:"CONSOLIDATOR_FEE_COLLECTOR"`
	SignerUrl    string `toml:"signer_url" env:"CONSOLIDATOR_SIGNER_URL"`
	SignerKey    string `toml:"signer_key" env:"CONSOLIDATOR_SIGNER_KEY"`

	// Operators allowed to invoke job-mutating and admin operations.
	Operators []string `toml:"operators" env:"CONSOLIDATOR_OPERATORS"`

	ServiceFeeBps    int64    `toml:"service_fee_bps" env:"CONSOLIDATOR_SERVICE_FEE_BPS"`
	MinConsolidation string   `toml:"min_consolidation"`
	MinProfitable    string   `toml:"min_profitable"`
	TargetAssets     []string `toml:"target_assets"`
	SupportedChains  []string `toml:"supported_chains"`

	// TrustedSenders maps a source chain id to the only message origin
	// accepted from that chain.
	TrustedSenders map[string]string `toml:"trusted_senders"`

	Quotes      QuotesConfig      `toml:"quotes"`
	Sponsorship SponsorshipConfig `toml:"sponsorship"`
	Estimate    EstimateConfig    `toml:"estimate"`
}

type QuotesConfig struct {
	DefaultSource string                    `toml:"default_source"`
	TimeoutMs     int                       `toml:"timeout_ms"`
	Sources       []aggregator.SourceConfig `toml:"sources"`
}

type SponsorshipConfig struct {
	PerUserCap         string `toml:"per_user_cap"`
	PerJobCap          string `toml:"per_job_cap"`
	MinIntervalSec     int64  `toml:"min_interval_sec"`
	NativeDecimals     int32  `toml:"native_decimals"`
	SettlementDecimals int32  `toml:"settlement_decimals"`
}

type EstimateConfig struct {
	BridgeFeePerChain string `toml:"bridge_fee_per_chain"`
	SwapFeeBps        int64  `toml:"swap_fee_bps"`
}

func MustLoadConfig(path string) *Config {
	cfg := &Config{}
	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	if err = toml.Unmarshal(file, cfg); err != nil {
		panic(err)
	}
	// env beats file for deployment overrides
	if err = env.Parse(cfg); err != nil {
		panic(err)
	}
	if err = cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects bad fee and cap configuration up front so settlement
// never has to range-check the rates.
func (c *Config) Validate() error {
	if c.ServiceFeeBps < 0 || c.ServiceFeeBps > MaxServiceFeeBps {
		return fmt.Errorf("service_fee_bps %d outside [0, %d]", c.ServiceFeeBps, MaxServiceFeeBps)
	}
	if len(c.Operators) == 0 {
		return fmt.Errorf("at least one operator identity is required")
	}
	if len(c.TargetAssets) == 0 {
		return fmt.Errorf("at least one target asset is required")
	}
	if _, err := c.MinConsolidationAmount(); err != nil {
		return err
	}
	if _, err := c.SponsorshipLimits(); err != nil {
		return err
	}
	for chain := range c.TrustedSenders {
		if !c.SupportsChain(chain) {
			return fmt.Errorf("trusted sender configured for unsupported chain %s", chain)
		}
	}
	return nil
}

func (c *Config) SupportsChain(chain string) bool {
	for _, sc := range c.SupportedChains {
		if sc == chain {
			return true
		}
	}
	return false
}

func (c *Config) IsTargetAsset(asset string) bool {
	for _, a := range c.TargetAssets {
		if a == asset {
			return true
		}
	}
	return false
}

func (c *Config) OperatorSet() map[string]bool {
	set := make(map[string]bool, len(c.Operators))
	for _, op := range c.Operators {
		set[op] = true
	}
	return set
}

func (c *Config) MinConsolidationAmount() (sdkmath.Int, error) {
	return parseAmount(c.MinConsolidation, "min_consolidation")
}

func (c *Config) MinProfitableAmount() (sdkmath.Int, error) {
	return parseAmount(c.MinProfitable, "min_profitable")
}

func (c *Config) SponsorshipLimits() (SponsorshipLimits, error) {
	perUser, err := parseAmount(c.Sponsorship.PerUserCap, "sponsorship.per_user_cap")
	if err != nil {
		return SponsorshipLimits{}, err
	}
	perJob, err := parseAmount(c.Sponsorship.PerJobCap, "sponsorship.per_job_cap")
	if err != nil {
		return SponsorshipLimits{}, err
	}
	return SponsorshipLimits{
		PerUserCap:  perUser,
		PerJobCap:   perJob,
		MinInterval: time.Duration(c.Sponsorship.MinIntervalSec) * time.Second,
	}, nil
}

func parseAmount(s, field string) (sdkmath.Int, error) {
	if s == "" {
		return sdkmath.ZeroInt(), nil
	}
	v, ok := sdkmath.NewIntFromString(s)
	if !ok || v.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}
