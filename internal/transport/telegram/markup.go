package telegram

import tele "gopkg.in/telebot.v4"

type InlineButton struct {
	Text string
	Data string
}

// InlineKeyboard builds a telebot inline keyboard suitable for
// transport.SendOptions.ReplyMarkup.
func InlineKeyboard(rows ...[]InlineButton) *tele.ReplyMarkup {
	keyboard := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		keyboard = append(keyboard, btns)
	}
	return &tele.ReplyMarkup{InlineKeyboard: keyboard}
}
