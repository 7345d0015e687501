package heartbeat

import (
	"fmt"

	"github.com/avlonitis/vigil/internal/paper"
)

// Action kinds the advisory oracle may return.
const (
	ActionHold              = "hold"
	ActionCloseEntirely     = "close_entirely"
	ActionTakePartialProfit = "take_partial_profit"
	ActionTightenStop       = "tighten_stop"
	ActionAdjustTakeProfit  = "adjust_take_profit"
)

// Action is the oracle's structured decision for one position.
type Action struct {
	Kind               string   `json:"action"`
	Fraction           *float64 `json:"fraction,omitempty"`
	Size               *float64 `json:"size,omitempty"`
	NewStopPrice       *float64 `json:"newStopPrice,omitempty"`
	NewTakeProfitPrice *float64 `json:"newTakeProfitPrice,omitempty"`
	Reasoning          string   `json:"reasoning,omitempty"`
}

// PositionView is what action validation and trigger evaluation need to know
// about the position.
type PositionView struct {
	Symbol      string
	Side        string // long | short
	Size        float64
	Mark        float64
	CurrentStop *float64
	CurrentTP   *float64
}

// ValidateAction enforces the per-kind rules. A violation returns a specific
// error and the action is journaled as rejected without an exchange call.
func ValidateAction(a Action, pos PositionView) error {
	switch a.Kind {
	case ActionHold, ActionCloseEntirely:
		return nil

	case ActionTakePartialProfit:
		hasFraction := a.Fraction != nil
		hasSize := a.Size != nil
		if hasFraction == hasSize {
			return fmt.Errorf("take_partial_profit requires exactly one of fraction or size")
		}
		if hasFraction && (*a.Fraction <= 0 || *a.Fraction >= 1) {
			return fmt.Errorf("take_partial_profit fraction must be in (0,1), got %v", *a.Fraction)
		}
		if hasSize && *a.Size <= 0 {
			return fmt.Errorf("take_partial_profit size must be > 0, got %v", *a.Size)
		}
		return nil

	case ActionAdjustTakeProfit:
		if a.NewTakeProfitPrice == nil || *a.NewTakeProfitPrice <= 0 {
			return fmt.Errorf("adjust_take_profit requires newTakeProfitPrice > 0")
		}
		return nil

	case ActionTightenStop:
		if a.NewStopPrice == nil || *a.NewStopPrice <= 0 {
			return fmt.Errorf("tighten_stop requires newStopPrice > 0")
		}
		newStop := *a.NewStopPrice

		switch pos.Side {
		case paper.PositionLong:
			if newStop > pos.Mark {
				return fmt.Errorf(
					"tighten_stop for a long must be at or below mark %v, got %v", pos.Mark, newStop)
			}
			if pos.CurrentStop != nil && newStop < *pos.CurrentStop {
				return fmt.Errorf(
					"tighten_stop must not loosen: new stop %v below current %v", newStop, *pos.CurrentStop)
			}
		case paper.PositionShort:
			if newStop < pos.Mark {
				return fmt.Errorf(
					"tighten_stop for a short must be at or above mark %v, got %v", pos.Mark, newStop)
			}
			if pos.CurrentStop != nil && newStop > *pos.CurrentStop {
				return fmt.Errorf(
					"tighten_stop must not loosen: new stop %v above current %v", newStop, *pos.CurrentStop)
			}
		default:
			return fmt.Errorf("unknown position side %q", pos.Side)
		}
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// closeSize resolves the order size for a validated action.
func closeSize(a Action, pos PositionView) float64 {
	switch a.Kind {
	case ActionCloseEntirely:
		return pos.Size
	case ActionTakePartialProfit:
		if a.Fraction != nil {
			return pos.Size * *a.Fraction
		}
		size := *a.Size
		if size > pos.Size {
			size = pos.Size
		}
		return size
	}
	return 0
}

// inverseSide is the order side that reduces the position.
func inverseSide(positionSide string) string {
	if positionSide == paper.PositionLong {
		return "sell"
	}
	return "buy"
}
