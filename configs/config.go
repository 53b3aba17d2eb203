// Package configs loads the engine's YAML configuration: the RPC endpoint, the allowed-token
// and allowed-interval tables, the fee schedule, and the operational limits that bound position
// creation and the window classifier. Adapted from ChoSanghyuk-blackholedex/configs/config.go.
package configs

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
	"github.com/ChoSanghyuk/dcaengine/pkg/collaborators"
)

// TokenYAMLData describes one allowed token's address and decimals.
type TokenYAMLData struct {
	Address  string `yaml:"address"`
	Decimals uint   `yaml:"decimals"`
}

// SwapFeeYAMLData maps an interval duration to its swap fee in basis points.
type SwapFeeYAMLData struct {
	IntervalSeconds uint64 `yaml:"intervalSeconds"`
	FeeBps          uint64 `yaml:"feeBps"`
}

// Config is the entire configuration structure loaded from config.yml.
type Config struct {
	RPC                   string            `yaml:"rpc"`
	Tokens                []TokenYAMLData   `yaml:"tokens"`
	AllowedIntervals      []uint64          `yaml:"allowedIntervalsSeconds"`
	SwapFees              []SwapFeeYAMLData `yaml:"swapFees"`
	PlatformFeeRatioBps   uint64            `yaml:"platformFeeRatioBps"`
	FeeVault              string            `yaml:"feeVault"`
	MaxNoOfSwap           uint64            `yaml:"maxNoOfSwap"`
	ThresholdGuardSeconds uint64            `yaml:"thresholdGuardSeconds"`
	Paused                bool              `yaml:"paused"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ToIntervalRegistry builds the interval registry the engine's window classifier and swap
// engine share, in the ascending order spec.md §4.1 requires.
func (c *Config) ToIntervalRegistry() (*interval.Registry, error) {
	reg, err := interval.NewRegistry(c.AllowedIntervals...)
	if err != nil {
		return nil, fmt.Errorf("failed to build interval registry: %w", err)
	}
	return reg, nil
}

// ToConfigReader builds the in-memory ConfigReader the engine reads on every state-changing
// call. A durable, admin-mutable ConfigReader would persist through internal/db instead; this
// adapts the YAML snapshot into the same interface for a static deployment.
func (c *Config) ToConfigReader(reg *interval.Registry) (*collaborators.InMemoryConfigReader, error) {
	cr := collaborators.NewInMemoryConfigReader()
	cr.MaxSwaps = c.MaxNoOfSwap
	cr.ThresholdGuard = c.ThresholdGuardSeconds
	cr.PlatformRatio = c.PlatformFeeRatioBps
	cr.Vault = common.HexToAddress(c.FeeVault)
	cr.IsPaused = c.Paused

	for _, tok := range c.Tokens {
		addr := common.HexToAddress(tok.Address)
		cr.Tokens[addr] = true
		cr.Magnitudes[addr] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals)), nil)
	}
	for _, seconds := range c.AllowedIntervals {
		cr.Intervals[seconds] = true
	}
	for _, fee := range c.SwapFees {
		mask, err := reg.IntervalToMask(fee.IntervalSeconds)
		if err != nil {
			return nil, fmt.Errorf("swap fee references unregistered interval %ds: %w", fee.IntervalSeconds, err)
		}
		cr.SwapFees[mask] = fee.FeeBps
	}

	return cr, nil
}
