// Package source 待分析的 Rust 源文件发现
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter 基于 glob 的包含/排除规则，模式匹配相对扫描根目录的 / 分隔路径
type Filter struct {
	Include []string
	Exclude []string
}

// Validate 检查所有模式语法
func (f Filter) Validate() error {
	for _, p := range append(append([]string(nil), f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid glob pattern: %q", p)
		}
	}
	return nil
}

// Match 判断相对路径是否被选中
func (f Filter) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if f.excluded(rel) {
		return false
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (f Filter) excluded(rel string) bool {
	for _, p := range f.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Discover 展开命令行给出的路径
// 文件直接加入（不受 include 限制），目录递归遍历；结果去重并保持稳定顺序
func Discover(paths []string, f Filter) ([]string, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(filepath.Clean(root))
			continue
		}

		var found []string
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if d.IsDir() {
				// 目录本身命中排除规则时整棵跳过
				if rel != "." && (f.excluded(filepath.ToSlash(rel)) || f.excluded(filepath.ToSlash(rel)+"/")) {
					return filepath.SkipDir
				}
				return nil
			}
			if f.Match(rel) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return out, nil
}
