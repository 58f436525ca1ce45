package utils

import (
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", time.Hour * 24},
}

// ParseStringTime 解析 "500ms" "10s" "20m" "48h" "2d" 形式的时间字符串, 无法解析时返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * u.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// FormatDuration 是 ParseStringTime 的逆操作, 用于写出默认配置
func FormatDuration(d time.Duration) string {
	for i := len(timeUnits) - 1; i >= 0; i-- {
		u := timeUnits[i]
		if d >= u.unit && d%u.unit == 0 {
			return strconv.FormatInt(int64(d/u.unit), 10) + u.suffix
		}
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}
