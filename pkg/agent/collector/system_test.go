package collector

import (
	"testing"
	"time"
)

func TestComputeSpeed(t *testing.T) {
	cases := []struct {
		name    string
		prev    uint64
		cur     uint64
		elapsed time.Duration
		want    uint64
	}{
		{"正常增长", 1000, 3000, 2 * time.Second, 1000},
		{"一秒间隔", 0, 500, time.Second, 500},
		{"计数回绕", 5000, 100, time.Second, 0},
		{"零间隔", 100, 200, 0, 0},
		{"无变化", 100, 100, time.Second, 0},
	}
	for _, c := range cases {
		if got := ComputeSpeed(c.prev, c.cur, c.elapsed); got != c.want {
			t.Errorf("%s: ComputeSpeed(%d, %d, %v) = %d，期望 %d",
				c.name, c.prev, c.cur, c.elapsed, got, c.want)
		}
	}
}
