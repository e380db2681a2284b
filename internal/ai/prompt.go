package ai

import (
	"regexp"
	"strings"
)

// DefaultSystemMessage 默认系统提示词
const DefaultSystemMessage = `You are a SQL expert. Your task is to generate accurate SQL queries based on the provided database schema and user question.

Always follow these rules:
1. Use standard SQL syntax
2. Include table aliases for clarity (e.g., SELECT u.name FROM users u)
3. Add appropriate WHERE clauses based on the question
4. Consider NULL value handling
5. Use JOIN when querying multiple tables
6. Add ORDER BY and LIMIT when necessary
7. Return only the SQL query without explanation`

const sqlTips = `## SQL Writing Tips
- Use meaningful table aliases (e.g., c for customers, o for orders)
- Always specify which table a column belongs to when joining tables
- Only join tables through the join conditions listed above
- Consider using DISTINCT if duplicates might occur
- Use appropriate aggregate functions (COUNT, SUM, AVG, etc.)
- Add date/time filtering when the question mentions time periods
- Use LIKE for partial string matching
- Remember to handle NULL values with IS NULL or COALESCE
`

// PromptOptions 提示词选项
type PromptOptions struct {
	SystemMessage string // 为空时使用 DefaultSystemMessage
	OmitTips      bool
}

// BuildPrompt 返回系统消息与用户消息
func BuildPrompt(req *Request, opts PromptOptions) (system, user string) {
	system = opts.SystemMessage
	if system == "" {
		system = DefaultSystemMessage
	}

	var b strings.Builder
	b.WriteString("## Database Schema\n")
	b.WriteString("```sql\n")
	b.WriteString(strings.TrimSpace(req.Schema))
	b.WriteString("\n```\n\n")

	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		b.WriteString("## Additional Context\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}
	if !opts.OmitTips {
		b.WriteString(sqlTips)
		b.WriteString("\n")
	}

	b.WriteString("## Task\n")
	if req.Dialect != "" {
		b.WriteString("Target SQL dialect: " + req.Dialect + "\n")
	}
	b.WriteString("Generate a SQL query to answer: **" + strings.TrimSpace(req.Question) + "**\n\n")
	b.WriteString("Return only the SQL query, without any explanation or markdown formatting.")
	return system, b.String()
}

var (
	sqlFence  = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	codeFence = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	sqlVerbs  = regexp.MustCompile(`(?i)\b(SELECT|WITH|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP)\b`)
)

// ExtractSQL 依次尝试 ```sql 代码块、任意代码块，最后返回原文
func ExtractSQL(text string) string {
	if m := sqlFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// LooksLikeSQL 粗略检查文本包含 SQL 语句关键字
func LooksLikeSQL(sql string) bool {
	return strings.TrimSpace(sql) != "" && sqlVerbs.MatchString(sql)
}
