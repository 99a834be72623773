package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval 使用 MOEX ISS 的周期编码。
type Interval int

const (
	Interval1m  Interval = 1
	Interval10m Interval = 10
	Interval1h  Interval = 60
	Interval1d  Interval = 24
	Interval1w  Interval = 7
	Interval1M  Interval = 31
	Interval1Q  Interval = 4
)

var intervalNames = map[Interval]string{
	Interval1m:  "1m",
	Interval10m: "10m",
	Interval1h:  "1h",
	Interval1d:  "1d",
	Interval1w:  "1w",
	Interval1M:  "1M",
	Interval1Q:  "1Q",
}

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval10m: 10 * time.Minute,
	Interval1h:  time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1M:  31 * 24 * time.Hour,
	Interval1Q:  92 * 24 * time.Hour,
}

// ParseInterval 接受名称（1m/1h/1d...）或 ISS 数字编码。
func ParseInterval(raw string) (Interval, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("interval 不能为空")
	}
	for iv, name := range intervalNames {
		if name == raw {
			return iv, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil {
		iv := Interval(n)
		if iv.Valid() {
			return iv, nil
		}
	}
	return 0, fmt.Errorf("不支持的 interval: %s", raw)
}

func (i Interval) Valid() bool {
	_, ok := intervalNames[i]
	return ok
}

func (i Interval) String() string {
	if name, ok := intervalNames[i]; ok {
		return name
	}
	return "interval(" + strconv.Itoa(int(i)) + ")"
}

// Code 返回 ISS 请求参数使用的编码。
func (i Interval) Code() int { return int(i) }

// Duration 返回周期的近似时长；月与季度按固定天数估算。
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Less 按粒度比较，细粒度在前。
func (i Interval) Less(other Interval) bool {
	return i.Duration() < other.Duration()
}

func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Interval) UnmarshalText(b []byte) error {
	iv, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = iv
	return nil
}
