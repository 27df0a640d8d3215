package block

import "time"

// Overlaps は2つの半開区間[aStart, aEnd)と[bStart, bEnd)が交差するかを返す。
// 終了時刻ちょうどから始まる連続ブロック（aEnd == bStart）は交差しない。
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
