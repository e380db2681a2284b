// Package terms 从自然语言问题中切分候选词条
package terms

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"schema-retriever/internal/linking"
)

// 词性标记
const (
	POSQuoted = "quoted" // 引号内的字面量
	POSVocab  = "vocab"  // 命中图谱词表
	POSWord   = "word"   // 英文单词或标识符
	POSNumber = "num"
	POSCJK    = "cjk" // 未登录的中文片段
)

// 词表中最长参与正向最大匹配的词长（rune）
const maxDictWordLen = 32

var quotePairs = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'`':  '`',
	'“':  '”',
	'‘':  '’',
	'「':  '」',
	'『':  '』',
	'《':  '》',
}

// 中文停用词按长度降序，切分未登录片段时优先切长词
var cjkStopwords = func() []string {
	var out []string
	for w := range stopwords {
		if r, _ := utf8.DecodeRuneInString(w); isHan(r) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i]), utf8.RuneCountInString(out[j])
		if li != lj {
			return li > lj
		}
		return out[i] < out[j]
	})
	return out
}()

// Vocabulary 词表来源，*graph.Store 与 *graph.Generation 都满足
type Vocabulary interface {
	Vocabulary() []string
}

// Extractor 默认的词条抽取器。
// 中文片段按图谱词表做正向最大匹配，未登录部分按停用词切开；英文按单词切分并过滤停用词与 SQL 关键字。
type Extractor struct {
	vocab  Vocabulary
	dict   atomic.Pointer[dictionary]
	logger *zap.Logger
}

type dictionary struct {
	source []string
	words  map[string]bool
	maxLen int
}

type token struct {
	text  string
	pos   string
	start int
}

// New 创建抽取器，vocab 为 nil 时不做词表匹配
func New(vocab Vocabulary, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{vocab: vocab, logger: logger.Named("terms")}
}

// Extract 按出现顺序返回去重后的词条
func (e *Extractor) Extract(question string) []linking.Term {
	runes := []rune(question)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	toks := extractQuoted(runes, lower)
	toks = append(toks, e.scan(runes, lower)...)
	sort.SliceStable(toks, func(i, j int) bool { return toks[i].start < toks[j].start })

	seen := make(map[string]bool, len(toks))
	terms := make([]linking.Term, 0, len(toks))
	for _, t := range toks {
		key := strings.ToLower(t.text)
		if seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, linking.Term{Text: t.text, Quoted: t.pos == POSQuoted, POS: t.pos})
	}

	e.logger.Debug("terms extracted", zap.String("question", question), zap.Int("terms", len(terms)))
	return terms
}

// extractQuoted 取出成对引号中的内容，并把引号区间替换为空白
func extractQuoted(runes, lower []rune) []token {
	var toks []token
	for i := 0; i < len(runes); i++ {
		closer, ok := quotePairs[runes[i]]
		if !ok {
			continue
		}
		// 英文撇号（customer's）不作为引号
		if runes[i] == '\'' && i > 0 && isWordRune(runes[i-1]) {
			continue
		}
		j := i + 1
		for j < len(runes) && runes[j] != closer {
			j++
		}
		if j >= len(runes) {
			continue
		}
		if text := strings.TrimSpace(string(runes[i+1 : j])); text != "" {
			toks = append(toks, token{text: text, pos: POSQuoted, start: i})
		}
		for k := i; k <= j; k++ {
			runes[k], lower[k] = ' ', ' '
		}
		i = j
	}
	return toks
}

func (e *Extractor) scan(runes, lower []rune) []token {
	d := e.dictionary()

	var toks []token
	pendingStart := -1
	flush := func(end int) {
		if pendingStart >= 0 {
			toks = append(toks, splitUnknown(runes[pendingStart:end], pendingStart)...)
		}
		pendingStart = -1
	}

	for i := 0; i < len(runes); {
		if n := d.longest(lower, i); n > 0 {
			flush(i)
			toks = append(toks, token{text: string(runes[i : i+n]), pos: POSVocab, start: i})
			i += n
			continue
		}

		switch r := lower[i]; {
		case isHan(r):
			if pendingStart < 0 {
				pendingStart = i
			}
			i++
		case isWordRune(r):
			flush(i)
			j := i
			for j < len(runes) && isWordRune(lower[j]) {
				j++
			}
			if t, ok := wordToken(runes[i:j], i); ok {
				toks = append(toks, t)
			}
			i = j
		default:
			flush(i)
			i++
		}
	}
	flush(len(runes))
	return toks
}

// dictionary 词表随图谱版本变化，底层切片变了才重建
func (e *Extractor) dictionary() *dictionary {
	if e.vocab == nil {
		return nil
	}
	words := e.vocab.Vocabulary()
	if d := e.dict.Load(); d != nil && sameSlice(d.source, words) {
		return d
	}

	d := &dictionary{source: words, words: make(map[string]bool, len(words)*2)}
	add := func(w string) {
		n := utf8.RuneCountInString(w)
		if n < 2 || n > maxDictWordLen {
			return
		}
		d.words[w] = true
		d.maxLen = max(d.maxLen, n)
	}
	for _, w := range words {
		lw := strings.ToLower(strings.TrimSpace(w))
		add(lw)
		// order_items 也能以 "order items" 的形式出现在问题里
		if strings.Contains(lw, "_") {
			add(strings.ReplaceAll(lw, "_", " "))
		}
	}
	e.dict.Store(d)
	e.logger.Debug("term dictionary rebuilt", zap.Int("words", len(d.words)))
	return d
}

// longest 返回从 i 开始命中词表的最长词长度，0 表示未命中。
// 以字母数字开头或结尾的词必须落在单词边界上。
func (d *dictionary) longest(lower []rune, i int) int {
	if d == nil || d.maxLen == 0 {
		return 0
	}
	if isWordRune(lower[i]) && i > 0 && isWordRune(lower[i-1]) {
		return 0
	}
	for n := min(d.maxLen, len(lower)-i); n >= 2; n-- {
		end := i + n
		if isWordRune(lower[end-1]) && end < len(lower) && isWordRune(lower[end]) {
			continue
		}
		if d.words[string(lower[i:end])] {
			return n
		}
	}
	return 0
}

// splitUnknown 在停用词处切开未登录的中文片段，丢弃不足两字的部分
func splitUnknown(seg []rune, offset int) []token {
	var toks []token
	start := 0
	emit := func(end int) {
		if end-start >= 2 {
			text := string(seg[start:end])
			if !stopwords[text] {
				toks = append(toks, token{text: text, pos: POSCJK, start: offset + start})
			}
		}
	}

	for i := 0; i < len(seg); {
		n := stopwordAt(seg, i)
		if n == 0 {
			i++
			continue
		}
		emit(i)
		i += n
		start = i
	}
	emit(len(seg))
	return toks
}

func stopwordAt(seg []rune, i int) int {
	rest := string(seg[i:])
	for _, w := range cjkStopwords {
		if strings.HasPrefix(rest, w) {
			return utf8.RuneCountInString(w)
		}
	}
	return 0
}

func wordToken(word []rune, start int) (token, bool) {
	if len(word) < 2 {
		return token{}, false
	}
	text := string(word)
	lw := strings.ToLower(text)
	if stopwords[lw] || sqlKeywords[lw] {
		return token{}, false
	}
	pos := POSWord
	if isNumber(word) {
		pos = POSNumber
	}
	return token{text: text, pos: pos, start: start}, true
}

func isHan(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// isWordRune 英文标识符字符：ASCII 字母、数字、下划线
func isWordRune(r rune) bool {
	return r < utf8.RuneSelf && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isNumber(word []rune) bool {
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func sameSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
