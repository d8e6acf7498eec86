package answer

import (
	"fmt"
	"strings"
)

const formatRules = `Reply format rules:
- Write the line "ANSWERS:" first, then exactly one line per question.
- Start each line with the question number and a period, e.g. "1. ".
- Do not add explanations, translations of the question or any other text after the answers.`

func writeInstruction(b *strings.Builder, instruction string) {
	if instruction != "" {
		fmt.Fprintf(b, "Instruction: %s\n\n", instruction)
	}
}

func writeQuestions(b *strings.Builder, questions []string) {
	b.WriteString("Questions:\n")
	for i, q := range questions {
		fmt.Fprintf(b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\n")
}

// BuildBlankPrompt 填空题。blankCounts 与 questions 等长，空位多于一个时要求用 "|" 分隔。
func BuildBlankPrompt(instruction string, questions, options []string, blankCounts []int) string {
	var b strings.Builder
	b.WriteString("You are completing an English fill-in-the-blank exercise.\n\n")
	writeInstruction(&b, instruction)
	if len(options) > 0 {
		fmt.Fprintf(&b, "Word bank: %s\n", strings.Join(options, ", "))
		b.WriteString("Use only words from the word bank and change their form when the grammar requires it.\n\n")
	}
	b.WriteString("Questions:\n")
	for i, q := range questions {
		n := 1
		if i < len(blankCounts) && blankCounts[i] > 0 {
			n = blankCounts[i]
		}
		fmt.Fprintf(&b, "%d. %s (blanks: %d)\n", i+1, q, n)
	}
	b.WriteString("\n")
	b.WriteString(formatRules)
	b.WriteString("\n- When a question has more than one blank, separate the answers with \"|\" in blank order, e.g. \"2. jump|sit\".\n")
	return b.String()
}

// BuildChoicePrompt 选择题与判断题。choices[i] 是第 i 题的选项文本，可以为空。
func BuildChoicePrompt(instruction string, questions []string, choices [][]string, verdict bool) string {
	var b strings.Builder
	if verdict {
		b.WriteString("You are answering a True / False / Not Given reading exercise.\n\n")
	} else {
		b.WriteString("You are answering an English multiple-choice exercise.\n\n")
	}
	writeInstruction(&b, instruction)
	b.WriteString("Questions:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		if i < len(choices) {
			for j, c := range choices[i] {
				fmt.Fprintf(&b, "   %c. %s\n", 'A'+rune(j%26), c)
			}
		}
	}
	b.WriteString("\n")
	b.WriteString(formatRules)
	if verdict {
		b.WriteString("\n- Answer each line with exactly one of: True, False, Not Given.\n")
	} else {
		b.WriteString("\n- Answer each line with the option letter only, e.g. \"1. B\".\n")
	}
	return b.String()
}

// BuildRewritePrompt 句子改写
func BuildRewritePrompt(instruction string, questions []string) string {
	var b strings.Builder
	b.WriteString("You are rewriting English sentences as the instruction asks, keeping the original meaning.\n\n")
	writeInstruction(&b, instruction)
	writeQuestions(&b, questions)
	b.WriteString(formatRules)
	b.WriteString("\n- Each line holds the complete rewritten sentence.\n")
	return b.String()
}

// BuildTranslatePrompt 翻译
func BuildTranslatePrompt(instruction string, questions []string) string {
	var b strings.Builder
	b.WriteString("You are translating sentences for an English course. Translate Chinese into English and English into Chinese unless the instruction says otherwise.\n\n")
	writeInstruction(&b, instruction)
	writeQuestions(&b, questions)
	b.WriteString(formatRules)
	b.WriteString("\n- Each line holds the complete translation on a single line.\n")
	return b.String()
}
