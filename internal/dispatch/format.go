package dispatch

import (
	"strconv"
	"strings"

	"github.com/Rus9136/reviews-parser/internal/store"
)

// FormatReviewMessage renders the notification body. The branch prefix is
// present for push notifications and omitted when the bot shows the same
// review in a browse page.
func FormatReviewMessage(r store.Review, showBranch bool) string {
	var b strings.Builder

	if showBranch {
		b.WriteString("📢 Новый отзыв для филиала " + r.BranchName + ":\n")
	}

	author := r.UserName
	if author == "" {
		author = "Аноним"
	}
	b.WriteString("👤 Автор: " + author + "\n")

	rating := 0
	if r.Rating != nil {
		rating = *r.Rating
	}
	stars := strings.Repeat("⭐", rating)
	if stars == "" {
		stars = "⭐"
	}
	b.WriteString("⭐ Рейтинг: " + stars + " (" + strconv.Itoa(rating) + "/5)\n")

	text := r.Text
	if text == "" {
		text = "Без текста"
	}
	b.WriteString("📝 Текст: " + text + "\n")

	date := "Неизвестно"
	if r.DateCreated != nil {
		date = r.DateCreated.Format("02.01.2006 15:04")
	}
	b.WriteString("📅 Дата: " + date + "\n")

	if r.IsVerified {
		b.WriteString("✅ Подтвержденный отзыв\n")
	}
	return b.String()
}
