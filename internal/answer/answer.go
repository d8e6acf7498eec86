// Package answer 解析模型返回的答案文本
package answer

import (
	"regexp"
	"strings"
	"unicode"
)

// Marker 模型在这一行之后按题号逐行作答
const Marker = "ANSWERS:"

// Table 每道题一组答案，每组按空位顺序排列
type Table [][]string

var ordinalPattern = regexp.MustCompile(`^\d+\.`)

// Parse 解析模型输出。
// 丢弃最后一个 Marker 及之前的内容，只保留以 "数字." 开头的行，
// 去掉题号后按 "|" 拆分并去除空白。无法解析时返回空表，不会失败。
func Parse(text string) Table {
	if i := strings.LastIndex(text, Marker); i >= 0 {
		text = text[i+len(Marker):]
	}
	table := Table{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		loc := ordinalPattern.FindStringIndex(line)
		if loc == nil {
			continue
		}
		parts := strings.Split(line[loc[1]:], "|")
		group := make([]string, len(parts))
		for i, p := range parts {
			group[i] = strings.TrimSpace(p)
		}
		table = append(table, group)
	}
	return table
}

// Limit 截断到最多 n 道题
func (t Table) Limit(n int) Table {
	if n < 0 {
		n = 0
	}
	if len(t) <= n {
		return t
	}
	return t[:n]
}

// Empty 没有可用答案
func (t Table) Empty() bool {
	return len(t) == 0
}

// Pick 一道选择题的作答
type Pick struct {
	// Letter 选项字母 A-Z，未知时为空
	Letter string
	// Text 期望的选项文本
	Text string
}

// Valid 至少有一种方式能对应到选项
func (p Pick) Valid() bool {
	return p.Letter != "" || p.Text != ""
}

// Letter 从 "B"、"b) large"、"(C)"、"D. word" 这类答案中取出大写选项字母
func Letter(s string) (string, bool) {
	s = strings.TrimLeft(strings.TrimSpace(s), "([（")
	r := []rune(s)
	if len(r) == 0 || r[0] > unicode.MaxASCII || !unicode.IsLetter(r[0]) {
		return "", false
	}
	if len(r) > 1 && unicode.IsLetter(r[1]) {
		return "", false
	}
	return string(unicode.ToUpper(r[0])), true
}

// Verdict 判断题答案规范化为 "True"、"False" 或 "Not Given"
func Verdict(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".。!")
	switch s {
	case "true", "t", "yes", "正确", "对":
		return "True", true
	case "false", "f", "no", "错误", "错":
		return "False", true
	case "not given", "ng", "notgiven", "not-given", "未提及":
		return "Not Given", true
	}
	return "", false
}

// Picks 把答案表转换为每道题的选择。verdict 为 true 时按判断题解释。
// 无法解释的题目得到零值 Pick，由注入方记为跳过。
func Picks(t Table, verdict bool) []Pick {
	out := make([]Pick, len(t))
	for i, group := range t {
		if len(group) == 0 {
			continue
		}
		s := group[0]
		if verdict {
			if v, ok := Verdict(s); ok {
				out[i] = Pick{Text: v}
				continue
			}
		}
		if l, ok := Letter(s); ok {
			rest := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "([（"))
			rest = strings.TrimSpace(strings.TrimLeft(rest[1:], ".)]）、:："))
			out[i] = Pick{Letter: l, Text: rest}
			continue
		}
		out[i] = Pick{Text: strings.TrimSpace(s)}
	}
	return out
}
