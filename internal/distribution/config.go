package distribution

import (
	"fmt"
	"time"
)

// Config 描述分发流程使用的合约地址、分配比例与节流参数。
type Config struct {
	XAATokenAddress    string           `yaml:"xaa_token_address" json:"xaa_token_address"`
	RouterAddress      string           `yaml:"router_address" json:"router_address"`
	FactoryAddress     string           `yaml:"factory_address" json:"factory_address"`
	NFTContractAddress string           `yaml:"nft_contract_address" json:"nft_contract_address"`
	TokenDecimals      int              `yaml:"token_decimals" json:"token_decimals"`
	XAADecimals        int              `yaml:"xaa_decimals" json:"xaa_decimals"`
	Allocation         AllocationConfig `yaml:"allocation" json:"allocation"`
	Airdrop            AirdropConfig    `yaml:"airdrop" json:"airdrop"`
	// LiquidityXAAAmount 为完整分发中与代币配对的 XAA 数量（整币单位）。
	LiquidityXAAAmount string `yaml:"liquidity_xaa_amount" json:"liquidity_xaa_amount"`
	// XAABurnAmount 为 BURN_XAA_AND_NFT 默认销毁的 XAA 数量（整币单位）。
	XAABurnAmount     string        `yaml:"xaa_burn_amount" json:"xaa_burn_amount"`
	ReceiptTimeout    time.Duration `yaml:"receipt_timeout" json:"receipt_timeout"`
	LiquidityDeadline time.Duration `yaml:"liquidity_deadline" json:"liquidity_deadline"`
}

// AllocationConfig 以 totalSupply 的百分比描述各步骤的分配量。
type AllocationConfig struct {
	CreatorPercent   int64 `yaml:"creator_percent" json:"creator_percent"`
	IAOPercent       int64 `yaml:"iao_percent" json:"iao_percent"`
	LiquidityPercent int64 `yaml:"liquidity_percent" json:"liquidity_percent"`
	AirdropPercent   int64 `yaml:"airdrop_percent" json:"airdrop_percent"`
	// BurnPercent 在请求未指定 burnPercentage 时使用。
	BurnPercent int64 `yaml:"burn_percent" json:"burn_percent"`
}

// AirdropConfig 控制空投批次。
type AirdropConfig struct {
	// Recipients 在请求未携带空投名单时平分空投额度。
	Recipients  []string      `yaml:"recipients" json:"recipients"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	ItemDelay   time.Duration `yaml:"item_delay" json:"item_delay"`
}

// ApplyDefaults 填充未配置的字段。
func (c *Config) ApplyDefaults() {
	if c.TokenDecimals <= 0 {
		c.TokenDecimals = 18
	}
	if c.XAADecimals <= 0 {
		c.XAADecimals = 18
	}
	a := &c.Allocation
	if a.CreatorPercent == 0 && a.IAOPercent == 0 && a.LiquidityPercent == 0 && a.AirdropPercent == 0 {
		a.CreatorPercent = 15
		a.IAOPercent = 15
		a.LiquidityPercent = 10
		a.AirdropPercent = 2
	}
	if a.BurnPercent == 0 {
		a.BurnPercent = 5
	}
	if c.Airdrop.Concurrency <= 0 {
		c.Airdrop.Concurrency = 1
	}
	if c.Airdrop.ItemDelay <= 0 {
		c.Airdrop.ItemDelay = 500 * time.Millisecond
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 60 * time.Second
	}
	if c.LiquidityDeadline <= 0 {
		c.LiquidityDeadline = 20 * time.Minute
	}
}

// Validate 检查分配比例。
func (a AllocationConfig) Validate() error {
	parts := []int64{a.CreatorPercent, a.IAOPercent, a.LiquidityPercent, a.AirdropPercent, a.BurnPercent}
	var sum int64
	for _, p := range parts {
		if p < 0 || p > 100 {
			return fmt.Errorf("分配比例必须在 0 到 100 之间: %d", p)
		}
		sum += p
	}
	if sum > 100 {
		return fmt.Errorf("分配比例之和不能超过 100: %d", sum)
	}
	return nil
}
