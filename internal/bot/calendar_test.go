package bot

import (
	"testing"
	"time"
)

func TestMonthGridMarch2024(t *testing.T) {
	// March 2024: the 1st is a Friday, 31 days.
	weeks := monthGrid(2024, time.March)

	if len(weeks) != 5 {
		t.Fatalf("expected 5 weeks, got %d", len(weeks))
	}
	// Friday is column 4 (Monday-first).
	if weeks[0][4] != 1 {
		t.Errorf("March 1 should land on Friday: %v", weeks[0])
	}
	for col := 0; col < 4; col++ {
		if weeks[0][col] != 0 {
			t.Errorf("leading cells must be zero-padded: %v", weeks[0])
		}
	}
	// March 31 is a Sunday, last cell of the last week.
	if weeks[4][6] != 31 {
		t.Errorf("March 31 should close the grid: %v", weeks[4])
	}
}

func TestMonthGridFebruaryLeapYear(t *testing.T) {
	weeks := monthGrid(2024, time.February)
	var max int
	for _, w := range weeks {
		for _, d := range w {
			if d > max {
				max = d
			}
		}
	}
	if max != 29 {
		t.Errorf("February 2024 must have 29 days, got %d", max)
	}
}

func TestCreateCalendarLayout(t *testing.T) {
	kb := CreateCalendar(2024, time.March)
	rows := kb.InlineKeyboard

	// Header + weekday row + 5 weeks + cancel.
	if len(rows) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(rows))
	}
	if *rows[0][0].CallbackData != "calendar_prev_2024_3" {
		t.Errorf("prev control data = %q", *rows[0][0].CallbackData)
	}
	if rows[0][1].Text != "Март 2024" {
		t.Errorf("header = %q", rows[0][1].Text)
	}
	if *rows[0][2].CallbackData != "calendar_next_2024_3" {
		t.Errorf("next control data = %q", *rows[0][2].CallbackData)
	}
	if len(rows[1]) != 7 || rows[1][0].Text != "Пн" || rows[1][6].Text != "Вс" {
		t.Errorf("weekday row wrong: %v", rows[1])
	}
	last := rows[len(rows)-1]
	if *last[0].CallbackData != "main_menu" {
		t.Errorf("cancel row must route to main_menu, got %q", *last[0].CallbackData)
	}
}

func TestParseCalendarCallback(t *testing.T) {
	tests := []struct {
		data string
		want CalendarSelection
		ok   bool
	}{
		{"calendar_ignore", CalendarSelection{Action: "ignore"}, true},
		{"calendar_prev_2024_3", CalendarSelection{Action: "prev", Year: 2024, Month: time.March}, true},
		{"calendar_next_2023_12", CalendarSelection{Action: "next", Year: 2023, Month: time.December}, true},
		{"calendar_day_2024_3_15", CalendarSelection{Action: "day", Year: 2024, Month: time.March, Day: 15}, true},
		{"main_menu", CalendarSelection{}, false},
		{"calendar_day_2024_13_1", CalendarSelection{}, false},
		{"calendar_day_2024_3_32", CalendarSelection{}, false},
		{"calendar_day_junk_3_1", CalendarSelection{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseCalendarCallback(tt.data)
		if ok != tt.ok {
			t.Errorf("%q: ok = %v, want %v", tt.data, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("%q: got %+v, want %+v", tt.data, got, tt.want)
		}
	}
}

func TestShiftMonth(t *testing.T) {
	tests := []struct {
		year      int
		month     time.Month
		delta     int
		wantYear  int
		wantMonth time.Month
	}{
		{2024, time.March, -1, 2024, time.February},
		{2024, time.January, -1, 2023, time.December},
		{2024, time.December, 1, 2025, time.January},
		{2024, time.June, 1, 2024, time.July},
	}
	for _, tt := range tests {
		y, m := shiftMonth(tt.year, tt.month, tt.delta)
		if y != tt.wantYear || m != tt.wantMonth {
			t.Errorf("shiftMonth(%d, %v, %d) = %d, %v; want %d, %v",
				tt.year, tt.month, tt.delta, y, m, tt.wantYear, tt.wantMonth)
		}
	}
}
