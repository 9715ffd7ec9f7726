// Package progress 实现任务与监控进程之间的进度标记协议。
//
// 任务在标准输出里任意位置写入 0x02 current/total 0x03，
// 监控端只认整个输出文件里最后一个标记。
package progress

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	STX = '\x02'
	ETX = '\x03'
)

var markerRe = regexp.MustCompile(`\x02(\d+)/(\d+)\x03`)

// Marker 一次进度上报
type Marker struct {
	Current int
	Total   int
}

// Done current 追上 total 即视为完成
func (m Marker) Done() bool {
	return m.Current == m.Total
}

// Parse 返回 data 中最后一个有效标记
// 数字溢出的标记会被跳过，继续向前找
func Parse(data []byte) (Marker, bool) {
	matches := markerRe.FindAllSubmatch(data, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		cur, err := strconv.Atoi(string(matches[i][1]))
		if err != nil {
			continue
		}
		total, err := strconv.Atoi(string(matches[i][2]))
		if err != nil {
			continue
		}
		return Marker{Current: cur, Total: total}, true
	}
	return Marker{}, false
}

// Format 渲染一个标记，供任务脚本输出
func Format(current, total int) string {
	return fmt.Sprintf("%c%d/%d%c", STX, current, total, ETX)
}
