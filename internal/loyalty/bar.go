package loyalty

import "strings"

// Bar renders a textual progress bar with one cell per slot, e.g. "▰▰▱▱▱"
// for 40% at slot size 20.
func Bar(progress, slotSize int) string {
	if slotSize <= 0 {
		slotSize = defaultSlotSize
	}
	total := 100 / slotSize
	filled := progress / slotSize
	if filled < 0 {
		filled = 0
	}
	if filled > total {
		filled = total
	}
	return strings.Repeat("▰", filled) + strings.Repeat("▱", total-filled)
}
