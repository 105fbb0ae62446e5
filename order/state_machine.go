package order

import "fmt"

// transition 状态转换对。
type transition struct {
	From State
	To   State
}

// Machine 订单状态机：集中声明全部合法转换，
// 非法转换（尤其是对已终态订单的迟到回报）由调用方按幂等丢弃。
type Machine struct {
	transitions map[transition]bool
}

// NewMachine 创建状态机。
func NewMachine() *Machine {
	m := &Machine{transitions: make(map[transition]bool)}

	legal := []transition{
		// PENDING：等待确认
		{StatePending, StateLive},
		{StatePending, StateRejected},
		{StatePending, StateAbandoned},
		// at-least-once 投递下成交可能先于（或重复于）确认到达
		{StatePending, StatePartiallyFilled},
		{StatePending, StateFilled},
		{StatePending, StateCancelled},

		// LIVE：挂在盘口
		{StateLive, StatePartiallyFilled},
		{StateLive, StateFilled},
		{StateLive, StateCancelled},
		{StateLive, StateRejected},

		// PARTIALLY_FILLED：仍在盘口
		{StatePartiallyFilled, StatePartiallyFilled},
		{StatePartiallyFilled, StateFilled},
		{StatePartiallyFilled, StateCancelled},

		// ABANDONED：本地放弃后迟到确认可复活
		{StateAbandoned, StateLive},

		// 交易所终态（FILLED/CANCELLED/REJECTED）不可再转换
	}
	for _, t := range legal {
		m.transitions[t] = true
	}
	return m
}

// Validate 校验转换是否合法；同态转换按幂等放行。
func (m *Machine) Validate(from, to State) error {
	if from == to {
		return nil
	}
	if !m.transitions[transition{From: from, To: to}] {
		return fmt.Errorf("order: illegal state transition %s -> %s", from, to)
	}
	return nil
}

// ExchangeTerminal 是否为交易所终态。
func (m *Machine) ExchangeTerminal(s State) bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// Terminal 是否为终态（含本地 ABANDONED）。
func (m *Machine) Terminal(s State) bool {
	return m.ExchangeTerminal(s) || s == StateAbandoned
}
