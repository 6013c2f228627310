package slot

import (
	"fmt"
	"testing"
	"time"
)

func TestOffsetMsDeterministicAndInRange(t *testing.T) {
	urls := []string{"https://a.com/rss", "https://news.example.com/feed", "", "https://reddit.com/r/golang/.rss"}
	rates := []int{60, 120, 600, 7200}
	for _, url := range urls {
		for _, rate := range rates {
			first := OffsetMs(url, rate)
			second := OffsetMs(url, rate)
			if first != second {
				t.Fatalf("смещение должно быть стабильным: %d != %d", first, second)
			}
			if first < 0 || first >= int64(rate)*1000 {
				t.Fatalf("смещение %d вне диапазона для частоты %d", first, rate)
			}
		}
	}
}

func TestOffsetMsKnownValue(t *testing.T) {
	// FNV-1a("a") = 0xe40c292c = 3826002220.
	if got := OffsetMs("a", 600); got != 402220 {
		t.Fatalf("ожидали 402220, получили %d", got)
	}
}

func TestOffsetMsNonPositiveRate(t *testing.T) {
	if got := OffsetMs("https://a.com/rss", 0); got != 0 {
		t.Fatalf("ожидали 0, получили %d", got)
	}
}

func TestOffsetMsSpreadsFeeds(t *testing.T) {
	const rate = 600
	buckets := make(map[int64]int)
	for i := 0; i < 1000; i++ {
		buckets[OffsetMs(fmt.Sprintf("https://site-%d.example.com/rss", i), rate)/60000]++
	}
	if len(buckets) < 8 {
		t.Fatalf("ожидали распределение по окну, заняты только %d из 10 интервалов", len(buckets))
	}
}

func TestDefaultRateScenario(t *testing.T) {
	offset := OffsetMs("https://a.com/rss", 600)
	if offset < 0 || offset >= 600000 {
		t.Fatalf("смещение %d должно быть в [0, 600000)", offset)
	}
}

func TestWindowAt(t *testing.T) {
	tick := 10 * time.Second
	t.Run("plain", func(t *testing.T) {
		w := WindowAt(time.UnixMilli(1_200_030_000), tick, 600)
		if w.StartMs != 20000 || w.EndMs != 30000 || w.WrapsAround || w.RefreshRateMs != 600000 {
			t.Fatalf("неожиданное окно: %+v", w)
		}
	})
	t.Run("aligned to window id", func(t *testing.T) {
		w := WindowAt(time.UnixMilli(1_200_035_000), tick, 600)
		if w.StartMs != 20000 || w.EndMs != 30000 {
			t.Fatalf("окно должно зависеть только от номера тика: %+v", w)
		}
	})
	t.Run("ends at period boundary", func(t *testing.T) {
		w := WindowAt(time.UnixMilli(1_200_000_000), tick, 600)
		if w.StartMs != 590000 || w.EndMs != 600000 || w.WrapsAround {
			t.Fatalf("неожиданное окно: %+v", w)
		}
	})
	t.Run("wraps", func(t *testing.T) {
		// 7 с не делит 60 с, поэтому часть окон переходит через ноль.
		w := WindowAt(time.UnixMilli(63_000), 7*time.Second, 60)
		if w.StartMs != 56000 || w.EndMs != 3000 || !w.WrapsAround {
			t.Fatalf("неожиданное окно: %+v", w)
		}
		if !w.Contains(59999) || !w.Contains(0) || w.Contains(3000) {
			t.Fatalf("окно с переходом через ноль работает неверно: %+v", w)
		}
	})
	t.Run("tick longer than rate", func(t *testing.T) {
		w := WindowAt(time.UnixMilli(1_200_005_000), 2*time.Minute, 60)
		if w.StartMs != 0 || w.EndMs != 60000 || w.WrapsAround {
			t.Fatalf("ожидали полное окно, получили %+v", w)
		}
	})
}

func TestConsecutiveWindowsCoverEachOffsetOnce(t *testing.T) {
	const rate = 120
	tick := 10 * time.Second
	base := time.UnixMilli(1_700_000_003_000)
	offsets := []int64{0, 1, 9999, 10000, 59999, 60000, 119999, OffsetMs("https://a.com/rss", rate)}
	for _, offset := range offsets {
		hits := 0
		for i := 1; i <= rate/10; i++ {
			w := WindowAt(base.Add(time.Duration(i)*tick), tick, rate)
			if w.Contains(offset) {
				hits++
			}
		}
		if hits != 1 {
			t.Fatalf("смещение %d попало в %d окон, ожидали 1", offset, hits)
		}
	}
}

func TestWindowID(t *testing.T) {
	tick := 10 * time.Second
	a := WindowID(time.UnixMilli(1_200_000_000), tick)
	b := WindowID(time.UnixMilli(1_200_009_999), tick)
	c := WindowID(time.UnixMilli(1_200_010_000), tick)
	if a != b || b == c {
		t.Fatalf("неожиданные номера окон: %d %d %d", a, b, c)
	}
}

func TestConsecutiveWindowsCoverPeriod(t *testing.T) {
	tests := []struct {
		name string
		tick time.Duration
		rate int
	}{
		{name: "tick divides rate", tick: 10 * time.Second, rate: 600},
		{name: "tick does not divide rate", tick: 7 * time.Second, rate: 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rateMs := int64(tt.rate) * 1000
			tickMs := tt.tick.Milliseconds()
			// Таймер срабатывает с дрожанием, окна при этом должны стыковаться.
			jitter := []int64{0, 5, 370, 9, 0, 1200}
			var prev *int64
			covered := make(map[int64]int)
			id := int64(1_000_000)
			for i := 0; i < int(rateMs/tickMs)+len(jitter); i++ {
				now := time.UnixMilli(id*tickMs + jitter[i%len(jitter)])
				w := WindowAt(now, tt.tick, tt.rate)
				if prev != nil && w.StartMs != *prev {
					t.Fatalf("окно %d начинается с %d, предыдущее закончилось на %d", i, w.StartMs, *prev)
				}
				end := w.EndMs % rateMs
				prev = &end
				for off := int64(0); off < rateMs; off += 500 {
					if w.Contains(off) {
						covered[off]++
					}
				}
				id++
			}
			for off := int64(0); off < rateMs; off += 500 {
				if covered[off] == 0 {
					t.Fatalf("смещение %d не попало ни в одно окно", off)
				}
			}
		})
	}
}
