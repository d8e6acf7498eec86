package content

// 课程页面的选择器。只覆盖已观察到的页面结构。
const (
	SelVideo        = "video"
	SelFrame        = "iframe"
	SelInstruction  = "div.instruction p, div.direction-text p, div.abs-direction p"
	SelWordBank     = "div.word-bank, div.word-bank-item"
	SelWordBankItem = "div.word-bank div.option, div.word-bank-item"
	SelChoiceInput  = `div.ques-wrapper input[type="radio"], div.ques-wrapper input[type="checkbox"]`
	SelEssayField   = "div.ques-wrapper textarea, div.ques-wrapper [contenteditable]"
	SelBlankInput   = "div.questions-wrapper p input, div.ques-wrapper p input"
	SelFlashcard    = "div.vocabulary-card, div.word-card"
	SelCardCounter  = ".card-counter, .vocabulary-card-pagination"
	SelCardNext     = ".card-next, button.next-card"
	SelRecorder     = "div.record-btn, div.recorder, .oral-record"
	SelUnitProject  = "div.unit-project, div.project-wrapper"
	SelReading      = "div.reading-content, div.article-content"
	SelButton       = "button"
	SelDialog       = ".el-message-box, .ant-modal, .dialog-wrapper"
)

var (
	NextNeedles      = []string{"下一页", "Next", "I have read"}
	SubmitNeedles    = []string{"提交", "Submit"}
	ConfirmNeedles   = []string{"确定", "确认", "Confirm", "OK"}
	NotGivenNeedles  = []string{"Not Given", "NOT GIVEN", "Not given"}
	TranslateNeedles = []string{"Translate", "translate", "翻译"}
)

// Layout 一类题目的页面结构
type Layout struct {
	Name string
	// Questions 页面上没有任何题目容器时，用来读取题干的元素
	Questions string
	// Containers 每道题的容器。题干、空位数和写入都按容器编号
	Containers string
	// Title 容器内的题干元素，为空时取整个容器的文本
	Title string
	// Field 容器内可填写的控件
	Field string
	// Bank 词库选项，没有词库的题型为空
	Bank string
	// Option 容器内可点击的选项
	Option string
	// OptionIndex 选项内的字母标签，如 "A."
	OptionIndex string
	// OptionContent 选项内容
	OptionContent string
}

var (
	// BlankLayout 段落中内嵌输入框的填空题
	BlankLayout = Layout{
		Name:       "blank",
		Questions:  "div.questions-wrapper p, div.ques-wrapper p",
		Containers: "div.questions-wrapper p:has(input), div.ques-wrapper p:has(input)",
		Field:      "input",
		Bank:       SelWordBankItem,
	}

	// ChoiceLayout 单选/多选/判断题
	ChoiceLayout = Layout{
		Name:          "choice",
		Questions:     "div.ques-wrapper .question-item .question-title",
		Containers:    "div.ques-wrapper .question-item",
		Title:         ".question-title",
		Field:         `input[type="radio"], input[type="checkbox"]`,
		Option:        "label.option, .option-item",
		OptionIndex:   "span.option-index",
		OptionContent: "span.option-content",
	}

	// EssayLayout 改写、翻译等整句作答题
	EssayLayout = Layout{
		Name:       "essay",
		Questions:  "div.ques-wrapper .question-item .question-title",
		Containers: "div.ques-wrapper .question-item:has(textarea), div.ques-wrapper .question-item:has([contenteditable])",
		Title:      ".question-title",
		Field:      "textarea, [contenteditable]",
	}
)
