package domain

// TradeSide represents the direction of a trade (LONG or SHORT).
type TradeSide string

const (
	Long  TradeSide = "LONG"
	Short TradeSide = "SHORT"
)

// IsValid reports whether the side is one of the known directions.
func (s TradeSide) IsValid() bool {
	return s == Long || s == Short
}

// TradeResult is the internal resolution of a trade. It stays pending until
// settlement commits a terminal value, exactly once.
type TradeResult string

const (
	ResultPending TradeResult = "pending"
	ResultWin     TradeResult = "win"
	ResultLoss    TradeResult = "loss"
)

// IsTerminal reports whether the result is a settled value.
func (r TradeResult) IsTerminal() bool {
	return r == ResultWin || r == ResultLoss
}

// Status maps a terminal result to the user-visible trade status.
// A pending result maps to StatusOpen: the user never sees an outcome
// before settlement, even when an admin decision is already recorded.
func (r TradeResult) Status() TradeStatus {
	switch r {
	case ResultWin:
		return StatusWin
	case ResultLoss:
		return StatusLoss
	default:
		return StatusOpen
	}
}

// TradeStatus is what the user sees. It mirrors TradeResult only after
// settlement; while the result is pending the status stays OPEN.
type TradeStatus string

const (
	StatusOpen TradeStatus = "OPEN"
	StatusWin  TradeStatus = "WIN"
	StatusLoss TradeStatus = "LOSS"
)

// AdminAction is an admin-recorded override decision, queued before expiry
// and applied at settlement. Empty means no override.
type AdminAction string

const (
	AdminActionNone AdminAction = ""
	AdminActionWin  AdminAction = "win"
	AdminActionLoss AdminAction = "loss"
)

// IsValid reports whether the action is a recordable decision.
func (a AdminAction) IsValid() bool {
	return a == AdminActionWin || a == AdminActionLoss
}

// Result converts the override decision into the trade result it forces.
func (a AdminAction) Result() TradeResult {
	if a == AdminActionWin {
		return ResultWin
	}
	return ResultLoss
}

// WithdrawalStatus represents the state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalLocked   WithdrawalStatus = "locked"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// IsTerminal reports whether the status allows no further transitions.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalApproved || s == WithdrawalRejected
}
