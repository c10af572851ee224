package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Month-view date picker: header with prev/next controls, weekday row,
// day grid padded with inert cells, and a cancel row. Callback data rides
// the calendar_{action}_{year}_{month}[_{day}] encoding.

var monthNames = map[time.Month]string{
	time.January: "Январь", time.February: "Февраль", time.March: "Март",
	time.April: "Апрель", time.May: "Май", time.June: "Июнь",
	time.July: "Июль", time.August: "Август", time.September: "Сентябрь",
	time.October: "Октябрь", time.November: "Ноябрь", time.December: "Декабрь",
}

var weekdayNames = []string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

const calendarIgnore = "calendar_ignore"

// CreateCalendar builds the inline keyboard for one month.
func CreateCalendar(year int, month time.Month) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("<", fmt.Sprintf("calendar_prev_%d_%d", year, month)),
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%s %d", monthNames[month], year), calendarIgnore),
		tgbotapi.NewInlineKeyboardButtonData(">", fmt.Sprintf("calendar_next_%d_%d", year, month)),
	))

	weekdays := make([]tgbotapi.InlineKeyboardButton, 0, 7)
	for _, d := range weekdayNames {
		weekdays = append(weekdays, tgbotapi.NewInlineKeyboardButtonData(d, calendarIgnore))
	}
	rows = append(rows, weekdays)

	for _, week := range monthGrid(year, month) {
		row := make([]tgbotapi.InlineKeyboardButton, 0, 7)
		for _, day := range week {
			if day == 0 {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(" ", calendarIgnore))
				continue
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(
				strconv.Itoa(day),
				fmt.Sprintf("calendar_day_%d_%d_%d", year, month, day),
			))
		}
		rows = append(rows, row)
	}

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "main_menu"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// monthGrid lays the month out in Monday-first weeks, zero-padding the
// leading and trailing cells.
func monthGrid(year int, month time.Month) [][]int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysInMonth := first.AddDate(0, 1, -1).Day()

	// Monday-first column index of the 1st.
	lead := (int(first.Weekday()) + 6) % 7

	var weeks [][]int
	week := make([]int, 7)
	col := lead
	for day := 1; day <= daysInMonth; day++ {
		week[col] = day
		col++
		if col == 7 {
			weeks = append(weeks, week)
			week = make([]int, 7)
			col = 0
		}
	}
	if col > 0 {
		weeks = append(weeks, week)
	}
	return weeks
}

// CalendarSelection is one decoded calendar callback.
type CalendarSelection struct {
	Action string // prev | next | day | ignore
	Year   int
	Month  time.Month
	Day    int
}

// ParseCalendarCallback decodes calendar_* callback data. Returns false
// for anything that is not a calendar callback.
func ParseCalendarCallback(data string) (CalendarSelection, bool) {
	if !strings.HasPrefix(data, "calendar_") {
		return CalendarSelection{}, false
	}
	parts := strings.Split(data, "_")
	if len(parts) < 2 {
		return CalendarSelection{}, false
	}

	sel := CalendarSelection{Action: parts[1]}
	if sel.Action == "ignore" {
		return sel, true
	}
	if len(parts) < 4 {
		return CalendarSelection{}, false
	}

	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return CalendarSelection{}, false
	}
	month, err := strconv.Atoi(parts[3])
	if err != nil || month < 1 || month > 12 {
		return CalendarSelection{}, false
	}
	sel.Year = year
	sel.Month = time.Month(month)

	switch sel.Action {
	case "prev", "next":
		return sel, true
	case "day":
		if len(parts) < 5 {
			return CalendarSelection{}, false
		}
		day, err := strconv.Atoi(parts[4])
		if err != nil || day < 1 || day > 31 {
			return CalendarSelection{}, false
		}
		sel.Day = day
		return sel, true
	}
	return CalendarSelection{}, false
}

// shiftMonth steps one month in either direction, carrying the year.
func shiftMonth(year int, month time.Month, delta int) (int, time.Month) {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, delta, 0)
	return t.Year(), t.Month()
}
