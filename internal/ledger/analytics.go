package ledger

import "math"

// MaxDrawdown walks the cumulative P&L of closed trades in chronological
// order and returns the maximum peak-to-trough decline plus the drawdown at
// the latest point.
func MaxDrawdown(pnls []float64) (maxDrawdown, currentDrawdown float64) {
	var cumulative, peak float64
	for _, pnl := range pnls {
		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	currentDrawdown = peak - cumulative
	return maxDrawdown, currentDrawdown
}

// Streaks returns the longest winning and losing runs over consecutive
// same-sign P&L values in chronological order. Zero P&L breaks both runs.
func Streaks(pnls []float64) (maxWins, maxLosses int) {
	var wins, losses int
	for _, pnl := range pnls {
		switch {
		case pnl > 0:
			wins++
			losses = 0
		case pnl < 0:
			losses++
			wins = 0
		default:
			wins, losses = 0, 0
		}
		if wins > maxWins {
			maxWins = wins
		}
		if losses > maxLosses {
			maxLosses = losses
		}
	}
	return maxWins, maxLosses
}

// SharpeRatio is mean(P&L) / stddev(P&L) with the risk-free rate treated as
// zero. A zero or undefined deviation yields 0 by policy, not as a guard.
func SharpeRatio(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	mean := meanOf(pnls)
	var variance float64
	for _, pnl := range pnls {
		variance += (pnl - mean) * (pnl - mean)
	}
	variance /= float64(len(pnls))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}

// SortinoRatio is mean(P&L) / downside deviation, where the downside
// deviation is sqrt(mean(min(P&L, 0)^2)). A zero downside deviation yields 0
// by policy, not as a guard.
func SortinoRatio(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	mean := meanOf(pnls)
	var downside float64
	for _, pnl := range pnls {
		if pnl < 0 {
			downside += pnl * pnl
		}
	}
	downside = math.Sqrt(downside / float64(len(pnls)))
	if downside == 0 {
		return 0
	}
	return mean / downside
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
