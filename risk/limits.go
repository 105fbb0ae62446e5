package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Limits 为会话级静态风控上限，加载一次后不再变更；
// 热更新属于外部配置重载（停止-重建-重启），不在核心职责内。
type Limits struct {
	MaxInventory          decimal.Decimal // 最大绝对仓位
	MaxInventoryNotional  decimal.Decimal // 最大名义敞口
	MaxDrawdown           decimal.Decimal // 最大回撤（0~1 比例）
	MaxConsecutiveRejects int             // 连续拒单上限，超过进入 Halt
}

// Validate 校验限额配置。
func (l Limits) Validate() error {
	switch {
	case !l.MaxInventory.IsPositive():
		return errors.New("risk: maxInventory must be > 0")
	case l.MaxInventoryNotional.IsNegative():
		return errors.New("risk: maxInventoryNotional must be >= 0")
	case l.MaxDrawdown.IsNegative() || l.MaxDrawdown.GreaterThan(decimal.NewFromInt(1)):
		return errors.New("risk: maxDrawdown must be in [0,1]")
	case l.MaxConsecutiveRejects <= 0:
		return errors.New("risk: maxConsecutiveRejects must be > 0")
	}
	return nil
}
