package terms

var stopwords = toSet(
	// 中文
	"的", "了", "在", "是", "我", "有", "和", "就", "不", "人", "都", "一", "一个", "上", "也", "很",
	"到", "说", "要", "去", "你", "会", "着", "没有", "看", "好", "自己", "这", "那",
	// 提问用语
	"多少", "哪些", "哪个", "什么", "统计", "查询", "列出", "显示", "给出", "请问", "每个", "所有",
	"一下", "一共", "总共", "情况", "分别", "以及", "其中", "按照",
	// 英文
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with", "by", "from",
	"as", "is", "was", "are", "were", "been", "be", "have", "has", "had", "do", "does", "did",
	"how", "many", "much", "what", "which", "who", "show", "list", "find", "give", "me", "all",
	"each", "per", "please", "there", "their", "that", "this", "top",
)

var sqlKeywords = toSet(
	"select", "from", "where", "and", "or", "order", "by", "group", "having", "limit", "join",
	"left", "right", "inner", "outer", "on", "as", "in", "not", "like", "between", "is", "null",
	"count", "sum", "avg", "max", "min", "distinct",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
