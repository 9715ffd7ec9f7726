// Package roster 读取节点清单（hostfile）。
package roster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Entry 清单中的一行: name: address
type Entry struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// Parse 逐行解析清单
// 空行和 # 开头的行跳过；冒号个数不是 1 的行记一条日志后跳过
func Parse(r io.Reader, log *zap.Logger) ([]Entry, error) {
	if log == nil {
		log = zap.NewNop()
	}

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			log.Info("roster line not read", zap.Int("line", lineNo), zap.String("text", line))
			continue
		}

		e := Entry{Name: strings.TrimSpace(parts[0]), Address: strings.TrimSpace(parts[1])}
		log.Debug("roster entry read", zap.String("name", e.Name), zap.String("address", e.Address))
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return entries, nil
}

// ReadFile 从文件读取清单
func ReadFile(path string, log *zap.Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if log != nil {
		log.Info("reading nodes from file", zap.String("path", path))
	}
	return Parse(f, log)
}

// ParsePair 解析命令行上的 name=address
func ParsePair(s string) (Entry, error) {
	name, address, ok := strings.Cut(s, "=")
	name, address = strings.TrimSpace(name), strings.TrimSpace(address)
	if !ok || name == "" || address == "" {
		return Entry{}, fmt.Errorf("invalid node %q, want name=address", s)
	}
	return Entry{Name: name, Address: address}, nil
}
