package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Rus9136/reviews-parser/internal/dispatch"
	"github.com/Rus9136/reviews-parser/internal/store"
)

const sessionExpiredText = "❌ Сессия истекла. Используйте /start для начала."

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)

	switch msg.Command() {
	case "start":
		if err := b.store.UpsertUser(ctx, store.User{
			UserID:       userID,
			Username:     msg.From.UserName,
			FirstName:    msg.From.FirstName,
			LastName:     msg.From.LastName,
			LanguageCode: msg.From.LanguageCode,
		}); err != nil {
			b.logger.Error("user upsert failed", "user_id", userID, "error", err)
		}
		b.showMainMenu(ctx, msg.Chat.ID, userID, 0)
	case "reviews", "unsubscribe":
		b.showMainMenu(ctx, msg.Chat.ID, userID, 0)
	default:
		b.send(tgbotapi.NewMessage(msg.Chat.ID, "❓ Неизвестная команда. Используйте /start."))
	}
}

// handleText nudges users typing free text during a calendar step back to
// the calendar; anything else is ignored.
func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	st, err := b.loadState(ctx, userID)
	if err != nil || st == nil {
		return
	}
	if st.Action == actionReviews && (st.Step == stepDateFrom || st.Step == stepDateTo) {
		reply := tgbotapi.NewMessage(msg.Chat.ID, "📅 Пожалуйста, используйте календарь для выбора даты.")
		kb := backToMainKeyboard()
		reply.ReplyMarkup = kb
		b.send(reply)
	}
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("callback ack failed", "error", err)
	}
	if query.Message == nil {
		return
	}

	userID := strconv.FormatInt(query.From.ID, 10)
	chatID := query.Message.Chat.ID
	messageID := query.Message.MessageID
	data := query.Data

	if sel, ok := ParseCalendarCallback(data); ok {
		b.handleCalendar(ctx, chatID, messageID, userID, sel)
		return
	}

	switch {
	case data == "main_menu":
		b.clearState(ctx, userID)
		b.showMainMenu(ctx, chatID, userID, messageID)
	case data == "menu_subscribe":
		b.showSubscribeChecklist(ctx, chatID, messageID, userID)
	case data == "menu_subscriptions":
		b.showSubscriptionsManagement(ctx, chatID, messageID, userID)
	case data == "menu_reviews":
		b.showReviewsMenu(ctx, chatID, messageID, userID)
	case data == "menu_help":
		b.showHelp(chatID, messageID)
	case data == "confirm_unsubscribe":
		kb := unsubscribeConfirmKeyboard()
		b.editText(chatID, messageID,
			"⚠️ Вы действительно хотите отписаться от всех уведомлений?", &kb)
	case data == "do_unsubscribe":
		b.doUnsubscribeAll(ctx, chatID, messageID, userID)
	case strings.HasPrefix(data, "toggle_branch_"):
		b.toggleBranch(ctx, chatID, messageID, userID, strings.TrimPrefix(data, "toggle_branch_"))
	case data == "select_all_branches":
		b.setAllBranches(ctx, chatID, messageID, userID, true)
	case data == "unselect_all_branches":
		b.setAllBranches(ctx, chatID, messageID, userID, false)
	case data == "confirm_selection":
		b.confirmSelection(ctx, chatID, messageID, userID)
	case strings.HasPrefix(data, "reviews_"):
		b.startBrowse(ctx, chatID, messageID, userID, strings.TrimPrefix(data, "reviews_"))
	case data == "show_more_reviews":
		b.showMoreReviews(ctx, chatID, userID)
	default:
		b.logger.Warn("unrecognized callback", "data", data)
	}
}

// showMainMenu renders the entry menu; editMessageID of 0 sends a fresh
// message instead of editing.
func (b *Bot) showMainMenu(ctx context.Context, chatID int64, userID string, editMessageID int) {
	subs, err := b.store.ActiveSubscriptionsForUser(ctx, userID)
	if err != nil {
		b.logger.Error("subscription lookup failed", "user_id", userID, "error", err)
	}

	var text string
	if len(subs) > 0 {
		text = fmt.Sprintf("👋 Главное меню\n\nУ вас %d активных подписок.\nВыберите действие:", len(subs))
	} else {
		text = "👋 Добро пожаловать!\n\nЯ присылаю уведомления о новых отзывах для филиалов.\nПодпишитесь, чтобы начать:"
	}

	kb := mainMenuKeyboard(len(subs) > 0)
	if editMessageID > 0 {
		b.editText(chatID, editMessageID, text, &kb)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	b.send(msg)
}

func (b *Bot) showHelp(chatID int64, messageID int) {
	kb := backToMainKeyboard()
	b.editText(chatID, messageID,
		"ℹ️ Справка по боту\n\n"+
			"🔔 Подписка на уведомления:\n"+
			"• Выберите филиалы для получения уведомлений о новых отзывах\n\n"+
			"📊 Просмотр отзывов:\n"+
			"• Просмотр отзывов за выбранный период, по 5 штук\n\n"+
			"📝 Управление подписками:\n"+
			"• Добавление новых подписок и отписка от всех\n\n"+
			"❓ Используйте /start для возврата в главное меню",
		&kb)
}

// showSubscribeChecklist seeds the checklist state from the roster and the
// user's current active subscriptions.
func (b *Bot) showSubscribeChecklist(ctx context.Context, chatID int64, messageID int, userID string) {
	st, err := b.buildChecklistState(ctx, userID)
	if err != nil {
		b.logger.Error("checklist build failed", "user_id", userID, "error", err)
		kb := backToMainKeyboard()
		b.editText(chatID, messageID, "❌ Ошибка загрузки списка филиалов. Попробуйте позже.", &kb)
		return
	}
	if err := b.saveState(ctx, userID, st); err != nil {
		b.logger.Error("state save failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, st)
}

func (b *Bot) buildChecklistState(ctx context.Context, userID string) (*sessionState, error) {
	branches, err := b.roster.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	subs, err := b.store.ActiveSubscriptionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	st := &sessionState{
		Action:            actionSubscribe,
		AvailableBranches: make(map[string]string, len(branches)),
	}
	for _, branch := range branches {
		st.AvailableBranches[branch.BranchID] = branch.Name
		st.AvailableOrder = append(st.AvailableOrder, branch.BranchID)
	}
	for _, sub := range subs {
		if _, ok := st.AvailableBranches[sub.BranchID]; ok {
			st.SelectedBranches = append(st.SelectedBranches, sub.BranchID)
		}
	}
	return st, nil
}

func (b *Bot) renderChecklist(chatID int64, messageID int, st *sessionState) {
	kb := branchChecklistKeyboard(st, st.AvailableOrder)
	text := fmt.Sprintf(
		"🏪 Выберите филиалы для подписки (%d выбрано):\n\n"+
			"Нажмите на филиалы, которые вас интересуют, затем нажмите '✅ Подтвердить выбор'",
		len(st.SelectedBranches))
	b.editText(chatID, messageID, text, &kb)
}

// toggleBranch flips one checklist entry. When the session has been
// pruned, the checklist state is reconstructed from the roster and the
// current subscriptions rather than failing the tap.
func (b *Bot) toggleBranch(ctx context.Context, chatID int64, messageID int, userID, payload string) {
	branchID := payload
	if i := strings.IndexByte(payload, '|'); i >= 0 {
		branchID = payload[:i]
	}

	st, err := b.loadState(ctx, userID)
	if err != nil {
		b.logger.Error("state load failed", "user_id", userID, "error", err)
		return
	}
	if st == nil || st.Action != actionSubscribe {
		if st, err = b.buildChecklistState(ctx, userID); err != nil {
			kb := backToMainKeyboard()
			b.editText(chatID, messageID, sessionExpiredText, &kb)
			return
		}
	}

	st.toggleSelected(branchID)
	if err := b.saveState(ctx, userID, st); err != nil {
		b.logger.Error("state save failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, st)
}

func (b *Bot) setAllBranches(ctx context.Context, chatID int64, messageID int, userID string, selectAll bool) {
	st, err := b.loadState(ctx, userID)
	if err != nil {
		b.logger.Error("state load failed", "user_id", userID, "error", err)
		return
	}
	if st == nil || st.Action != actionSubscribe {
		if st, err = b.buildChecklistState(ctx, userID); err != nil {
			kb := backToMainKeyboard()
			b.editText(chatID, messageID, sessionExpiredText, &kb)
			return
		}
	}

	if selectAll {
		st.SelectedBranches = append([]string(nil), st.AvailableOrder...)
	} else {
		st.SelectedBranches = nil
	}
	if err := b.saveState(ctx, userID, st); err != nil {
		b.logger.Error("state save failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, st)
}

// confirmSelection reconciles the store so active subscriptions equal
// exactly the chosen set, then clears the session.
func (b *Bot) confirmSelection(ctx context.Context, chatID int64, messageID int, userID string) {
	st, err := b.loadState(ctx, userID)
	if err != nil || st == nil || st.Action != actionSubscribe {
		kb := backToMainKeyboard()
		b.editText(chatID, messageID, sessionExpiredText, &kb)
		return
	}
	if len(st.SelectedBranches) == 0 {
		kb := backToMainKeyboard()
		b.editText(chatID, messageID, "❌ Вы не выбрали ни одного филиала.", &kb)
		return
	}

	selected := make(map[string]string, len(st.SelectedBranches))
	var names []string
	for _, branchID := range st.SelectedBranches {
		name := st.AvailableBranches[branchID]
		selected[branchID] = name
		names = append(names, "• "+name)
	}

	if err := b.store.ReconcileSubscriptions(ctx, userID, selected); err != nil {
		b.logger.Error("subscription reconcile failed", "user_id", userID, "error", err)
		kb := backToMainKeyboard()
		b.editText(chatID, messageID, "❌ Произошла ошибка при сохранении подписок. Попробуйте позже.", &kb)
		return
	}
	b.clearState(ctx, userID)

	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Просмотр отзывов", "menu_reviews")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📝 Управление подписками", "menu_subscriptions")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu")),
	)
	b.editText(chatID, messageID,
		"✅ Подписка настроена!\n\nВы будете получать уведомления о новых отзывах для:\n\n"+
			strings.Join(names, "\n"), &kb)
}

func (b *Bot) showSubscriptionsManagement(ctx context.Context, chatID int64, messageID int, userID string) {
	subs, err := b.store.ActiveSubscriptionsForUser(ctx, userID)
	if err != nil {
		b.logger.Error("subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		kb := subscribePromptKeyboard()
		b.editText(chatID, messageID, "У вас нет активных подписок.", &kb)
		return
	}

	var lines []string
	for _, sub := range subs {
		lines = append(lines, "• "+sub.BranchName)
	}
	kb := subscriptionsManagementKeyboard()
	b.editText(chatID, messageID,
		fmt.Sprintf("📝 Ваши подписки (%d):\n\n%s", len(subs), strings.Join(lines, "\n")), &kb)
}

func (b *Bot) doUnsubscribeAll(ctx context.Context, chatID int64, messageID int, userID string) {
	n, err := b.store.DeactivateAllSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("unsubscribe all failed", "user_id", userID, "error", err)
		kb := backToMainKeyboard()
		b.editText(chatID, messageID, "❌ Произошла ошибка при отписке. Попробуйте позже.", &kb)
		return
	}
	b.logger.Info("user unsubscribed from all branches", "user_id", userID, "deactivated", n)

	kb := subscribePromptKeyboard()
	b.editText(chatID, messageID,
		"✅ Отписка выполнена!\n\nВы больше не будете получать уведомления о новых отзывах.", &kb)
}

// showReviewsMenu starts the browse flow: the branch choice is skipped
// entirely when the user has exactly one subscription.
func (b *Bot) showReviewsMenu(ctx context.Context, chatID int64, messageID int, userID string) {
	subs, err := b.store.ActiveSubscriptionsForUser(ctx, userID)
	if err != nil {
		b.logger.Error("subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		kb := subscribePromptKeyboard()
		b.editText(chatID, messageID, "Для просмотра отзывов сначала подпишитесь на филиалы.", &kb)
		return
	}
	if len(subs) == 1 {
		b.beginDateSelection(ctx, chatID, messageID, userID, subs[0].BranchID, subs[0].BranchName)
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, sub := range subs {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏪 "+sub.BranchName, "reviews_"+sub.BranchID)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu")))
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.editText(chatID, messageID, "🏪 Выберите филиал для просмотра отзывов:", &kb)
}

func (b *Bot) startBrowse(ctx context.Context, chatID int64, messageID int, userID, branchID string) {
	subs, err := b.store.ActiveSubscriptionsForUser(ctx, userID)
	if err != nil {
		b.logger.Error("subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	for _, sub := range subs {
		if sub.BranchID == branchID {
			b.beginDateSelection(ctx, chatID, messageID, userID, branchID, sub.BranchName)
			return
		}
	}
	kb := backToMainKeyboard()
	b.editText(chatID, messageID, "❌ Филиал не найден. Вернитесь в главное меню.", &kb)
}

func (b *Bot) beginDateSelection(ctx context.Context, chatID int64, messageID int, userID, branchID, branchName string) {
	st := &sessionState{
		Action:             actionReviews,
		Step:               stepDateFrom,
		SelectedBranchID:   branchID,
		SelectedBranchName: branchName,
	}
	if err := b.saveState(ctx, userID, st); err != nil {
		b.logger.Error("state save failed", "user_id", userID, "error", err)
	}

	now := time.Now()
	kb := CreateCalendar(now.Year(), now.Month())
	b.editText(chatID, messageID,
		fmt.Sprintf("📅 Выбран филиал: %s\n\nВыберите дату начала периода:", branchName), &kb)
}

func (b *Bot) handleCalendar(ctx context.Context, chatID int64, messageID int, userID string, sel CalendarSelection) {
	if sel.Action == "ignore" {
		return
	}

	st, err := b.loadState(ctx, userID)
	if err != nil {
		b.logger.Error("state load failed", "user_id", userID, "error", err)
		return
	}
	if st == nil || st.Action != actionReviews {
		b.editText(chatID, messageID, sessionExpiredText, nil)
		return
	}

	switch sel.Action {
	case "prev", "next":
		delta := -1
		if sel.Action == "next" {
			delta = 1
		}
		year, month := shiftMonth(sel.Year, sel.Month, delta)
		kb := CreateCalendar(year, month)
		b.editText(chatID, messageID, b.calendarPrompt(st), &kb)

	case "day":
		picked := time.Date(sel.Year, sel.Month, sel.Day, 0, 0, 0, 0, time.UTC)
		switch st.Step {
		case stepDateFrom:
			st.DateFrom = picked.Format("2006-01-02")
			st.Step = stepDateTo
			if err := b.saveState(ctx, userID, st); err != nil {
				b.logger.Error("state save failed", "user_id", userID, "error", err)
			}
			kb := CreateCalendar(picked.Year(), picked.Month())
			b.editText(chatID, messageID,
				fmt.Sprintf("📅 Дата начала: %s\n\nТеперь выберите дату окончания периода:",
					picked.Format("02.01.2006")), &kb)

		case stepDateTo:
			from, err := time.Parse("2006-01-02", st.DateFrom)
			if err != nil {
				b.editText(chatID, messageID, sessionExpiredText, nil)
				return
			}
			if picked.Before(from) {
				kb := CreateCalendar(sel.Year, sel.Month)
				b.editText(chatID, messageID,
					fmt.Sprintf("❌ Дата окончания не может быть раньше даты начала!\n\n"+
						"📅 Дата начала: %s\n\nВыберите дату окончания периода:",
						from.Format("02.01.2006")), &kb)
				return
			}
			st.DateTo = picked.Format("2006-01-02")
			st.Step = stepShowReviews
			st.Offset = 0
			if err := b.saveState(ctx, userID, st); err != nil {
				b.logger.Error("state save failed", "user_id", userID, "error", err)
			}
			b.showReviewsPage(ctx, chatID, messageID, userID, st)
		}
	}
}

func (b *Bot) calendarPrompt(st *sessionState) string {
	if st.Step == stepDateTo && st.DateFrom != "" {
		if from, err := time.Parse("2006-01-02", st.DateFrom); err == nil {
			return fmt.Sprintf("📅 Дата начала: %s\n\nТеперь выберите дату окончания периода:",
				from.Format("02.01.2006"))
		}
	}
	return fmt.Sprintf("📅 Выбран филиал: %s\n\nВыберите дату начала периода:", st.SelectedBranchName)
}

func (b *Bot) showMoreReviews(ctx context.Context, chatID int64, userID string) {
	st, err := b.loadState(ctx, userID)
	if err != nil || st == nil || st.Step != stepShowReviews {
		b.send(tgbotapi.NewMessage(chatID, sessionExpiredText))
		return
	}
	st.Offset += browsePageSize
	if err := b.saveState(ctx, userID, st); err != nil {
		b.logger.Error("state save failed", "user_id", userID, "error", err)
	}
	b.showReviewsPage(ctx, chatID, 0, userID, st)
}

// showReviewsPage renders one 5-review page of the selected period,
// newest first. editMessageID > 0 edits the calendar message into the
// page header; later pages append fresh messages.
func (b *Bot) showReviewsPage(ctx context.Context, chatID int64, editMessageID int, userID string, st *sessionState) {
	from, errFrom := time.Parse("2006-01-02", st.DateFrom)
	to, errTo := time.Parse("2006-01-02", st.DateTo)
	if errFrom != nil || errTo != nil {
		b.send(tgbotapi.NewMessage(chatID, sessionExpiredText))
		return
	}
	// Inclusive upper bound: the whole of the chosen end day.
	toEnd := to.Add(24*time.Hour - time.Second)

	reviews, err := b.store.ListReviewsByPeriod(ctx, st.SelectedBranchID, from, toEnd, st.Offset, browsePageSize+1)
	if err != nil {
		b.logger.Error("period query failed", "branch_id", st.SelectedBranchID, "error", err)
		b.send(tgbotapi.NewMessage(chatID, "❌ Произошла ошибка при получении отзывов."))
		return
	}

	if len(reviews) == 0 {
		var text string
		if st.Offset == 0 {
			text = fmt.Sprintf("❌ Отзывов для филиала '%s' за период %s - %s не найдено.",
				st.SelectedBranchName, from.Format("02.01.2006"), to.Format("02.01.2006"))
		} else {
			text = "❌ Больше отзывов нет."
		}
		kb := changePeriodKeyboard(st.SelectedBranchID)
		if editMessageID > 0 {
			b.editText(chatID, editMessageID, text, &kb)
		} else {
			msg := tgbotapi.NewMessage(chatID, text)
			msg.ReplyMarkup = kb
			b.send(msg)
		}
		b.clearState(ctx, userID)
		return
	}

	hasMore := len(reviews) > browsePageSize
	if hasMore {
		reviews = reviews[:browsePageSize]
	}

	if st.Offset == 0 && editMessageID > 0 {
		b.editText(chatID, editMessageID,
			fmt.Sprintf("📋 Отзывы для филиала '%s'\n📅 Период: %s - %s",
				st.SelectedBranchName, from.Format("02.01.2006"), to.Format("02.01.2006")), nil)
	}

	for _, review := range reviews {
		b.sendReview(chatID, review)
	}

	if hasMore {
		kb := showMoreKeyboard()
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Показано %d отзывов", st.Offset+len(reviews)))
		msg.ReplyMarkup = kb
		b.send(msg)
		return
	}

	kb := backToMainKeyboard()
	msg := tgbotapi.NewMessage(chatID, "✅ Все отзывы за период показаны.")
	msg.ReplyMarkup = kb
	b.send(msg)
	b.clearState(ctx, userID)
}

// sendReview delivers one review with the same photo rules the
// notification queue applies: text, single photo with caption, or an
// album captioned on the first item.
func (b *Bot) sendReview(chatID int64, review store.Review) {
	text := dispatch.FormatReviewMessage(review, false)

	photos := review.PhotosURLs
	if len(photos) > 10 {
		photos = photos[:10]
	}

	switch len(photos) {
	case 0:
		b.send(tgbotapi.NewMessage(chatID, text))
	case 1:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photos[0]))
		photo.Caption = text
		if _, err := b.api.Send(photo); err != nil {
			b.logger.Warn("photo send failed, falling back to text", "error", err)
			b.send(tgbotapi.NewMessage(chatID, text))
		}
	default:
		media := make([]any, 0, len(photos))
		for i, url := range photos {
			item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(url))
			if i == 0 {
				item.Caption = text
			}
			media = append(media, item)
		}
		if _, err := b.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media)); err != nil {
			b.logger.Warn("album send failed, falling back to text", "error", err)
			b.send(tgbotapi.NewMessage(chatID, text))
		}
	}
}
