package distribution

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cast"
)

// ParseUnits 将整币单位的十进制数转换为最小单位，例如 "1.5" 与 18 位精度得到 1.5e18。
func ParseUnits(value any, decimals int) (*big.Int, error) {
	raw, err := cast.ToStringE(value)
	if err != nil {
		return nil, fmt.Errorf("无法解析数量 %v: %w", value, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("数量不能为空")
	}
	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("无效的数量: %s", raw)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("数量 %s 超出 %d 位精度", raw, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// parsePercent 解析 [0,100] 区间的百分比，允许小数。
func parsePercent(value any) (*big.Rat, error) {
	raw, err := cast.ToStringE(value)
	if err != nil {
		return nil, fmt.Errorf("无法解析百分比 %v: %w", value, err)
	}
	r, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("无效的百分比: %s", raw)
	}
	if r.Sign() < 0 || r.Cmp(big.NewRat(100, 1)) > 0 {
		return nil, fmt.Errorf("百分比必须在 0 到 100 之间: %s", raw)
	}
	return r, nil
}

// percentOf 返回 total * pct / 100，向下取整。
func percentOf(total *big.Int, pct *big.Rat) *big.Int {
	num := new(big.Int).Mul(total, pct.Num())
	den := new(big.Int).Mul(pct.Denom(), big.NewInt(100))
	return num.Quo(num, den)
}

// splitEvenly 将 amount 平分为 n 份，余数计入最后一份。
func splitEvenly(amount *big.Int, n int) []*big.Int {
	if n <= 0 {
		return nil
	}
	share := new(big.Int).Quo(amount, big.NewInt(int64(n)))
	parts := make([]*big.Int, n)
	for i := range parts {
		parts[i] = new(big.Int).Set(share)
	}
	remainder := new(big.Int).Sub(amount, new(big.Int).Mul(share, big.NewInt(int64(n))))
	parts[n-1].Add(parts[n-1], remainder)
	return parts
}
