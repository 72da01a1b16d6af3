package config

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MYSTIKO_TX_MANAGER"

const (
	defaultGasLimitReservePercentage = 10
	defaultConfirmIntervalSecs       = 10
	defaultConfirmBlocks             = 5
	defaultFallbackPercent           = 80
	maxFallbackPercent               = 85

	defaultBlockTimeSecs      = 12
	confirmWindowSecs         = 1000
	fallbackConfirmWindowSecs = 120
)

// Expected block cadence per chain id, used to derive confirm iteration budgets.
var blockTimeSecs = map[uint64]uint64{
	1:        12,
	5:        12,
	10:       2,
	56:       3,
	97:       3,
	137:      2,
	250:      1,
	4002:     1,
	8453:     2,
	42161:    1,
	43114:    2,
	80002:    2,
	11155111: 12,
}

// Chains that do not price EIP-1559 reliably even when the node answers eth_feeHistory.
var forceGasPriceChains = map[uint64]bool{
	56:   true,
	97:   true,
	250:  true,
	4002: true,
}

type TxManagerConfig struct {
	Chains map[uint64]ChainConfig `yaml:"chains"`
}

// ChainConfig is one tx_manager.chains entry as written in the file. Unset
// fields are resolved by TxManagerConfig.ChainConfig.
type ChainConfig struct {
	GasLimitReservePercentage         *uint32 `yaml:"gas_limit_reserve_percentage"`
	MinPriorityFeePerGas              *uint64 `yaml:"min_priority_fee_per_gas"`
	MaxPriorityFeePerGas              *uint64 `yaml:"max_priority_fee_per_gas"`
	MinGasPrice                       *uint64 `yaml:"min_gas_price"`
	ForceGasPrice                     *bool   `yaml:"force_gas_price"`
	ConfirmIntervalSecs               *uint64 `yaml:"confirm_interval_secs"`
	ConfirmBlocks                     *uint32 `yaml:"confirm_blocks"`
	MaxConfirmCount                   *uint32 `yaml:"max_confirm_count"`
	LowerGasPriceFallbackEnabled      bool    `yaml:"lower_gas_price_fallback_enabled"`
	LowerGasPriceFallbackPercent      *uint32 `yaml:"lower_gas_price_fallback_percent"`
	LowerGasPriceFallbackConfirmCount *uint32 `yaml:"lower_gas_price_fallback_confirm_count"`
}

// ChainTxConfig is the resolved, validated settings for one chain. A tx
// manager keeps it unchanged for its whole lifetime.
type ChainTxConfig struct {
	ChainID                           uint64
	GasLimitReservePercentage         uint32
	MinPriorityFeePerGas              *big.Int
	MaxPriorityFeePerGas              *big.Int
	MinGasPrice                       *big.Int
	ForceGasPrice                     bool
	ConfirmInterval                   time.Duration
	ConfirmBlocks                     uint64
	MaxConfirmCount                   uint32
	LowerGasPriceFallbackEnabled      bool
	LowerGasPriceFallbackPercent      uint32
	LowerGasPriceFallbackConfirmCount uint32
}

type ConfigError struct {
	ChainID uint64
	Reason  string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "config error"
	}
	return fmt.Sprintf("config error: chain %d: %s", e.ChainID, e.Reason)
}

// ChainConfig resolves defaults for chainID and validates the result. Chains
// without an entry get the defaults.
func (c TxManagerConfig) ChainConfig(chainID uint64) (ChainTxConfig, error) {
	raw := c.Chains[chainID]
	out := ChainTxConfig{
		ChainID:                           chainID,
		GasLimitReservePercentage:         defaultGasLimitReservePercentage,
		ForceGasPrice:                     forceGasPriceChains[chainID],
		ConfirmInterval:                   defaultConfirmIntervalSecs * time.Second,
		ConfirmBlocks:                     defaultConfirmBlocks,
		MaxConfirmCount:                   derivedCount(chainID, confirmWindowSecs),
		LowerGasPriceFallbackEnabled:      raw.LowerGasPriceFallbackEnabled,
		LowerGasPriceFallbackPercent:      defaultFallbackPercent,
		LowerGasPriceFallbackConfirmCount: derivedCount(chainID, fallbackConfirmWindowSecs),
	}
	if raw.GasLimitReservePercentage != nil {
		out.GasLimitReservePercentage = *raw.GasLimitReservePercentage
	}
	out.MinPriorityFeePerGas = optionalBig(raw.MinPriorityFeePerGas)
	out.MaxPriorityFeePerGas = optionalBig(raw.MaxPriorityFeePerGas)
	out.MinGasPrice = optionalBig(raw.MinGasPrice)
	if raw.ForceGasPrice != nil {
		out.ForceGasPrice = *raw.ForceGasPrice
	}
	if raw.ConfirmIntervalSecs != nil {
		out.ConfirmInterval = time.Duration(*raw.ConfirmIntervalSecs) * time.Second
	}
	if raw.ConfirmBlocks != nil {
		out.ConfirmBlocks = uint64(*raw.ConfirmBlocks)
	}
	if raw.MaxConfirmCount != nil {
		out.MaxConfirmCount = *raw.MaxConfirmCount
	}
	if raw.LowerGasPriceFallbackPercent != nil {
		out.LowerGasPriceFallbackPercent = *raw.LowerGasPriceFallbackPercent
	}
	if raw.LowerGasPriceFallbackConfirmCount != nil {
		out.LowerGasPriceFallbackConfirmCount = *raw.LowerGasPriceFallbackConfirmCount
	}
	if err := out.Validate(); err != nil {
		return ChainTxConfig{}, err
	}
	return out, nil
}

func (c ChainTxConfig) Validate() error {
	if c.MinPriorityFeePerGas != nil && c.MaxPriorityFeePerGas != nil &&
		c.MaxPriorityFeePerGas.Cmp(c.MinPriorityFeePerGas) < 0 {
		return &ConfigError{ChainID: c.ChainID, Reason: "max_priority_fee_per_gas must be greater than min_priority_fee_per_gas"}
	}
	if c.LowerGasPriceFallbackPercent == 0 || c.LowerGasPriceFallbackPercent > maxFallbackPercent {
		return &ConfigError{ChainID: c.ChainID, Reason: fmt.Sprintf("lower_gas_price_fallback_percent must be in (0, %d]", maxFallbackPercent)}
	}
	if c.MaxConfirmCount == 0 {
		return &ConfigError{ChainID: c.ChainID, Reason: "max_confirm_count must be > 0"}
	}
	if c.LowerGasPriceFallbackEnabled && c.LowerGasPriceFallbackConfirmCount == 0 {
		return &ConfigError{ChainID: c.ChainID, Reason: "lower_gas_price_fallback_confirm_count must be > 0"}
	}
	return nil
}

// BlockTime returns the expected block cadence of chainID.
func BlockTime(chainID uint64) time.Duration {
	secs, ok := blockTimeSecs[chainID]
	if !ok {
		secs = defaultBlockTimeSecs
	}
	return time.Duration(secs) * time.Second
}

func derivedCount(chainID uint64, windowSecs uint64) uint32 {
	secs := uint64(BlockTime(chainID) / time.Second)
	n := windowSecs / secs
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

func optionalBig(v *uint64) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).SetUint64(*v)
}

// applyEnv overlays MYSTIKO_TX_MANAGER_CHAINS_<id>_<FIELD>=value entries. The
// dotted form MYSTIKO_TX_MANAGER.CHAINS.<id>.<FIELD> is accepted as well.
func (c *TxManagerConfig) applyEnv(environ []string) error {
	prefix := EnvPrefix + "_CHAINS_"
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		norm := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if !strings.HasPrefix(norm, prefix) {
			continue
		}
		idStr, field, ok := strings.Cut(strings.TrimPrefix(norm, prefix), "_")
		if !ok || field == "" {
			return fmt.Errorf("env %s: expected %s<chain_id>_<field>", key, prefix)
		}
		chainID, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("env %s: invalid chain id %q", key, idStr)
		}
		if c.Chains == nil {
			c.Chains = map[uint64]ChainConfig{}
		}
		cc := c.Chains[chainID]
		if err := setChainField(&cc, strings.ToLower(field), value); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		c.Chains[chainID] = cc
	}
	return nil
}

func setChainField(cc *ChainConfig, name string, value string) error {
	v := reflect.ValueOf(cc).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag != name {
			continue
		}
		if err := yaml.Unmarshal([]byte(value), v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("unknown field %q", name)
}
