package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/any-hub/sw-precache/internal/config"
)

// FileRecord 是一次扫描得到的文件快照。
type FileRecord struct {
	Path string
	Size int64
	Hash string
}

// Entry 是 manifest 中的一项，RelativeURL 在同一 manifest 内唯一。
type Entry struct {
	RelativeURL string
	Hash        string
}

// Manifest 是按 RelativeURL 升序排列的条目列表。
type Manifest []Entry

// MarshalJSON 输出 [["url","hash"],...] 形式的嵌套数组。外层 json.Marshal 会按默认规则
// 重新转义 HTML 字符，需要原样输出时使用 SetEscapeHTML(false) 的 Encoder。
func (m Manifest) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, len(m))
	for _, e := range m {
		pairs = append(pairs, [2]string{e.RelativeURL, e.Hash})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pairs); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON 接受 MarshalJSON 的输出，预览服务从已生成脚本恢复 manifest 时使用。
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var pairs [][]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	result := make(Manifest, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return fmt.Errorf("manifest entry %d: expected [url, hash]", i)
		}
		result = append(result, Entry{RelativeURL: pair[0], Hash: pair[1]})
	}
	*m = result
	return nil
}

// Lookup 返回 url 对应的哈希。
func (m Manifest) Lookup(url string) (string, bool) {
	for _, e := range m {
		if e.RelativeURL == url {
			return e.Hash, true
		}
	}
	return "", false
}

// Options 是构建 manifest 所需的输入子集。
type Options struct {
	StaticFileGlobs          []string
	StripPrefix              string
	ReplacePrefix            string
	MaximumFileSize          int64
	DynamicURLToDependencies map[string][]string
	// OutputFilePath 为绝对路径，匹配到的同名文件会被排除。
	OutputFilePath string
	Verbose        bool
}

// OptionsFrom 从生成器配置中提取 manifest 相关字段。
func OptionsFrom(o config.Options) Options {
	return Options{
		StaticFileGlobs:          o.StaticFileGlobs,
		StripPrefix:              o.StripPrefix,
		ReplacePrefix:            o.ReplacePrefix,
		MaximumFileSize:          int64(o.MaximumFileSizeToCacheInBytes),
		DynamicURLToDependencies: o.DynamicURLToDependencies,
		OutputFilePath:           o.OutputFilePath,
		Verbose:                  o.Verbose,
	}
}

// Result 汇总一次构建的输出。
type Result struct {
	Manifest   Manifest
	TotalBytes int64
}
