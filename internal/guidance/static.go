package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry 是一条预置的处置建议。
type Entry struct {
	Title      string   `json:"title"`
	Advice     string   `json:"advice"`
	Keywords   []string `json:"keywords"`
	Categories []string `json:"categories"`
}

// StaticAdvisor 通过 JSON 文件提供预置建议。
type StaticAdvisor struct {
	entries    []Entry
	maxResults int
}

// NewStaticAdvisor 创建静态建议库。
func NewStaticAdvisor(entries []Entry, maxResults int) *StaticAdvisor {
	if maxResults <= 0 {
		maxResults = 2
	}
	return &StaticAdvisor{entries: entries, maxResults: maxResults}
}

// LoadStaticAdvisor 从 JSON 文件加载建议条目。
func LoadStaticAdvisor(path string, maxResults int) (*StaticAdvisor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("建议库文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析建议库路径失败: %w", err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取建议库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析建议库文件失败: %w", err)
	}
	return NewStaticAdvisor(entries, maxResults), nil
}

// Advise 按类别与关键词匹配条目。
func (a *StaticAdvisor) Advise(_ context.Context, req Request) (*Response, error) {
	topic := strings.ToLower(req.Topic)
	category := strings.ToLower(strings.TrimSpace(req.Category))

	var picked []string
	for _, entry := range a.entries {
		if !matches(entry, topic, category) {
			continue
		}
		picked = append(picked, entry.Title+": "+entry.Advice)
		if len(picked) >= a.maxResults {
			break
		}
	}
	if len(picked) == 0 {
		return nil, errors.New("没有匹配的建议")
	}
	return &Response{Advice: strings.Join(picked, "\n"), Source: "static"}, nil
}

func matches(entry Entry, topic, category string) bool {
	if len(entry.Categories) > 0 {
		found := false
		for _, c := range entry.Categories {
			if strings.EqualFold(strings.TrimSpace(c), category) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(entry.Keywords) == 0 {
		return true
	}
	for _, keyword := range entry.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(topic, normalized) {
			return true
		}
	}
	return false
}

var _ Advisor = (*StaticAdvisor)(nil)
