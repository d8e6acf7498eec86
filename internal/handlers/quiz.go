package handlers

import (
	"context"

	"go.uber.org/zap"

	"ucampus/internal/answer"
	"ucampus/internal/content"
	"ucampus/internal/dom"
)

// askOracle 调用模型并解析答案。模型错误与解析失败只影响当前单元，以 Result 返回。
func askOracle(ctx context.Context, ctl *Controller, prompt string, questions int) (answer.Table, *Result) {
	if ctl.Oracle == nil {
		r := failed("没有选择答题模型")
		return nil, &r
	}
	ctl.Log.Info("正在调用模型", zap.String("model", ctl.Oracle.Name()), zap.Int("questions", questions))
	ctl.Log.Debug("提示词", zap.String("prompt", prompt))

	text, err := ctl.Oracle.Ask(ctx, prompt)
	if err != nil {
		r := failed("%v", err)
		return nil, &r
	}
	ctl.Log.Debug("模型原始回答", zap.String("text", text))

	table := answer.Parse(text).Limit(questions)
	if table.Empty() {
		r := failed("未能从模型回答中解析出答案")
		return nil, &r
	}
	ctl.Log.Info("解析出答案", zap.Any("answers", table))
	return table, nil
}

// submit 点击提交按钮并确认弹窗。没有提交按钮返回 false。
func submit(ctx context.Context, p dom.Page, ctl *Controller) (bool, error) {
	idx, err := p.FindText(ctx, nil, content.SelButton, content.SubmitNeedles...)
	if err != nil || idx < 0 {
		return false, err
	}
	if _, err := ctl.Pause(ctx, ctl.Timing.SubmitDelay); err != nil {
		return false, err
	}
	clicked, err := p.Click(ctx, dom.Nth(content.SelButton, idx))
	if err != nil || !clicked {
		return false, err
	}
	if _, err := ctl.Pause(ctx, ctl.Timing.SubmitDelay); err != nil {
		return false, err
	}

	dialog := dom.Nth(content.SelDialog, 0)
	confirm, err := p.FindText(ctx, dialog, content.SelButton, content.ConfirmNeedles...)
	if err != nil {
		return true, err
	}
	if confirm >= 0 {
		if _, err := p.Click(ctx, dialog.Find(content.SelButton, confirm)); err != nil {
			return true, err
		}
		ctl.Log.Info("已确认提交")
	}
	return true, nil
}

// finish 根据写入结果决定是否提交
func finish(ctx context.Context, p dom.Page, ctl *Controller, fields []content.FieldResult) (Result, error) {
	r := Result{Status: Done, Fields: fields}
	if content.Count(fields, content.Written) == 0 {
		r.Status, r.Reason = Skipped, "没有写入任何答案"
		return r, nil
	}
	if ctl.Quiz.ManualSubmit {
		r.Reason = "答案已填写，等待手动提交"
		return r, nil
	}
	submitted, err := submit(ctx, p, ctl)
	if err != nil {
		return r, err
	}
	if !submitted {
		r.Status, r.Reason = Skipped, "答案已填写，未找到提交按钮"
		return r, nil
	}
	r.Reason = "已提交"
	return r, nil
}

// FillInBlank 填空题（含词库选词填空）
type FillInBlank struct{}

// Handle 处理填空题
func (FillInBlank) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	snap, err := ctl.Extractor.Extract(ctx, p, content.BlankLayout)
	if err != nil {
		return Result{}, err
	}
	if len(snap.Questions) == 0 {
		return skipped("没有提取到题目"), nil
	}
	ctl.Log.Info("提取到题目", zap.Int("questions", len(snap.Questions)), zap.Int("options", len(snap.Options)), zap.Ints("blanks", snap.BlankCounts))

	prompt := answer.BuildBlankPrompt(snap.Instruction, snap.Questions, snap.Options, snap.BlankCounts)
	table, res := askOracle(ctx, ctl, prompt, len(snap.Questions))
	if res != nil {
		return *res, nil
	}
	fields, err := ctl.Injector.Fill(ctx, p, content.BlankLayout, table)
	if err != nil {
		return Result{Status: Failed, Fields: fields}, err
	}
	return finish(ctx, p, ctl, fields)
}

// Choice 单选题与判断题。Verdict 为 true 时按 True/False/Not Given 作答。
type Choice struct {
	Verdict bool
}

// Handle 处理选择题
func (h Choice) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	snap, err := ctl.Extractor.Extract(ctx, p, content.ChoiceLayout)
	if err != nil {
		return Result{}, err
	}
	if len(snap.Questions) == 0 {
		return skipped("没有提取到题目"), nil
	}
	ctl.Log.Info("提取到选择题", zap.Int("questions", len(snap.Questions)), zap.Bool("verdict", h.Verdict))

	prompt := answer.BuildChoicePrompt(snap.Instruction, snap.Questions, snap.Choices, h.Verdict)
	table, res := askOracle(ctx, ctl, prompt, len(snap.Questions))
	if res != nil {
		return *res, nil
	}
	fields, err := ctl.Injector.Choose(ctx, p, content.ChoiceLayout, answer.Picks(table, h.Verdict))
	if err != nil {
		return Result{Status: Failed, Fields: fields}, err
	}
	return finish(ctx, p, ctl, fields)
}

// Essay 改写与翻译，整句写入文本框
type Essay struct {
	Translate bool
}

// Handle 处理改写或翻译题
func (h Essay) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	snap, err := ctl.Extractor.Extract(ctx, p, content.EssayLayout)
	if err != nil {
		return Result{}, err
	}
	if len(snap.Questions) == 0 {
		return skipped("没有提取到题目"), nil
	}

	var prompt string
	if h.Translate {
		prompt = answer.BuildTranslatePrompt(snap.Instruction, snap.Questions)
	} else {
		prompt = answer.BuildRewritePrompt(snap.Instruction, snap.Questions)
	}
	table, res := askOracle(ctx, ctl, prompt, len(snap.Questions))
	if res != nil {
		return *res, nil
	}
	fields, err := ctl.Injector.Fill(ctx, p, content.EssayLayout, table)
	if err != nil {
		return Result{Status: Failed, Fields: fields}, err
	}
	return finish(ctx, p, ctl, fields)
}
