package graph

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// 插入、删除、替换代价都为 1，替换不按默认的 2 计
var editOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// NormalizeName 统一名称：小写，空白、连字符、下划线折叠为单个下划线
func NormalizeName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(name)), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// normalizeLiteral 字面值只做大小写与首尾空白归一
func normalizeLiteral(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Similarity 计算名称相似度 [0,1]，1 - 编辑距离/较长名称长度
func Similarity(a, b string) float64 {
	return similarityRunes([]rune(NormalizeName(a)), []rune(NormalizeName(b)))
}

func similarityRunes(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if string(a) == string(b) {
		return 1
	}
	maxLen := max(len(a), len(b))
	distance := levenshtein.DistanceForStrings(a, b, editOptions)
	score := 1 - float64(distance)/float64(maxLen)
	if score < 0 {
		return 0
	}
	return score
}
