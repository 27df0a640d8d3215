package block

import (
	"testing"
	"time"
)

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	tests := []struct {
		name                       string
		aStart, aEnd, bStart, bEnd time.Time
		want                       bool
	}{
		{
			name:   "部分的に重なる区間",
			aStart: at(0), aEnd: at(60),
			bStart: at(30), bEnd: at(90),
			want: true,
		},
		{
			name:   "完全に包含される区間",
			aStart: at(0), aEnd: at(120),
			bStart: at(30), bEnd: at(60),
			want: true,
		},
		{
			name:   "同一区間",
			aStart: at(0), aEnd: at(60),
			bStart: at(0), bEnd: at(60),
			want: true,
		},
		{
			name:   "連続する区間は重ならない（半開区間）",
			aStart: at(0), aEnd: at(60),
			bStart: at(60), bEnd: at(120),
			want: false,
		},
		{
			name:   "逆順の連続する区間も重ならない",
			aStart: at(60), aEnd: at(120),
			bStart: at(0), bEnd: at(60),
			want: false,
		},
		{
			name:   "完全に離れた区間",
			aStart: at(0), aEnd: at(30),
			bStart: at(90), bEnd: at(120),
			want: false,
		},
		{
			name:   "1分だけ重なる区間",
			aStart: at(0), aEnd: at(61),
			bStart: at(60), bEnd: at(120),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Overlaps(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd)
			if got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}

			// 対称性: 引数を入れ替えても結果は同じ
			sym := Overlaps(tt.bStart, tt.bEnd, tt.aStart, tt.aEnd)
			if sym != tt.want {
				t.Errorf("Overlaps(swapped) = %v, want %v", sym, tt.want)
			}
		})
	}
}
