package domain

import "strings"

// Schedule — именованное расписание, принудительно задающее частоту обновления.
type Schedule struct {
	Name               string
	Keywords           []string
	FeedIDs            []string
	RefreshRateMinutes int
}

// Matches сообщает, относится ли лента к расписанию.
// Расписание без ключевых слов и лент не совпадает ни с чем.
func (s Schedule) Matches(feedID, url string) bool {
	for _, keyword := range s.Keywords {
		if keyword != "" && strings.Contains(url, keyword) {
			return true
		}
	}
	for _, id := range s.FeedIDs {
		if id != "" && id == feedID {
			return true
		}
	}
	return false
}

// RefreshRateSeconds возвращает частоту расписания в секундах.
func (s Schedule) RefreshRateSeconds() int {
	return s.RefreshRateMinutes * 60
}
