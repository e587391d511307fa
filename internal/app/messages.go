package app

import (
	"fmt"
	"strings"

	"loyaltybot/internal/loyalty"
)

func welcomeText(firstName, promotion string) string {
	name := strings.TrimSpace(firstName)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(
		"Hi %s! You're enrolled in the %q promotion.\n"+
			"Every qualifying purchase fills one slot; a full card earns a free reward.\n\n"+
			"Use /progress to see where you stand and /help for all commands.",
		name, promotion)
}

func helpText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/start — enroll and show the welcome message\n")
	b.WriteString("/progress — your current progress toward a free reward\n")
	b.WriteString("/rewards — rewards you have earned\n")
	b.WriteString("/redeem — ask the staff to redeem a ready reward\n")
	b.WriteString("/help — this message\n")
	if isAdmin {
		b.WriteString("\nAdministrator commands:\n")
		b.WriteString("/broadcast <text> — send a message to every user\n")
	}
	return b.String()
}

func progressText(el loyalty.Eligibility, slotSize int) string {
	switch el.State {
	case loyalty.RewardReady:
		return "🎉 Your free reward is ready! Use /redeem to claim it."
	case loyalty.InProgress:
		noun := "purchases"
		if el.SlotsRemaining == 1 {
			noun = "purchase"
		}
		return fmt.Sprintf("%s  %d%%\n%d %s left until your free reward.",
			loyalty.Bar(el.Progress, slotSize), el.Progress, el.SlotsRemaining, noun)
	default:
		return "You're not enrolled in the current promotion yet. Use /start to join."
	}
}

func rewardsText(unused, used int) string {
	if unused == 0 && used == 0 {
		return "No rewards earned yet. Keep going, /progress shows how close you are!"
	}
	var b strings.Builder
	if unused > 0 {
		fmt.Fprintf(&b, "🎁 Ready to redeem: %d\n", unused)
	}
	if used > 0 {
		fmt.Fprintf(&b, "Already redeemed: %d\n", used)
	}
	if unused > 0 {
		b.WriteString("\nUse /redeem to claim one.")
	}
	return strings.TrimRight(b.String(), "\n")
}
