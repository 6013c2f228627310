package slot

import (
	"hash/fnv"
	"time"

	"feed-scheduler/internal/domain"
)

// OffsetMs возвращает детерминированное смещение ленты внутри окна частоты
// в диапазоне [0, rateSeconds*1000). Используется 32-битный FNV-1a от url.
func OffsetMs(url string, rateSeconds int) int64 {
	if rateSeconds <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return int64(h.Sum32()) % (int64(rateSeconds) * 1000)
}

// WindowAt возвращает диапазон смещений последнего завершённого тика.
// Границы выровнены по WindowID: тик с номером id покрывает
// [(id-1)*tick, id*tick) по модулю периода, поэтому соседние тики стыкуются без пропусков
// независимо от того, когда сработал таймер.
func WindowAt(now time.Time, tick time.Duration, rateSeconds int) domain.SlotWindow {
	rateMs := int64(rateSeconds) * 1000
	if rateMs <= 0 {
		return domain.SlotWindow{}
	}
	tickMs := tick.Milliseconds()
	if tickMs <= 0 || tickMs >= rateMs {
		// Тик не короче периода: в окно попадает весь период.
		return domain.SlotWindow{StartMs: 0, EndMs: rateMs, RefreshRateMs: rateMs}
	}
	id := WindowID(now, tick)
	start := mod((id-1)*tickMs, rateMs)
	end := start + tickMs
	if end <= rateMs {
		return domain.SlotWindow{StartMs: start, EndMs: end, RefreshRateMs: rateMs}
	}
	return domain.SlotWindow{
		StartMs:       start,
		EndMs:         end - rateMs,
		WrapsAround:   true,
		RefreshRateMs: rateMs,
	}
}

// WindowID нумерует тик внутри эпохи, чтобы несколько реплик не обрабатывали одно окно дважды.
func WindowID(now time.Time, tick time.Duration) int64 {
	tickMs := tick.Milliseconds()
	if tickMs <= 0 {
		return now.UnixMilli()
	}
	return now.UnixMilli() / tickMs
}

func mod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}
