package classify

import (
	"context"

	"ucampus/internal/dom"
)

// maxFrames 嵌套 frame 检查的上限
const maxFrames = 8

// Selector 至少存在一个匹配元素
func Selector(sel string) Predicate {
	return func(ctx context.Context, p dom.Page) (bool, error) {
		return dom.Exists(ctx, p, sel)
	}
}

// TextIn 某个匹配元素的文本包含任一 needle
func TextIn(sel string, needles ...string) Predicate {
	return func(ctx context.Context, p dom.Page) (bool, error) {
		idx, err := p.FindText(ctx, nil, sel, needles...)
		return idx >= 0, err
	}
}

// All 全部成立
func All(preds ...Predicate) Predicate {
	return func(ctx context.Context, p dom.Page) (bool, error) {
		for _, pred := range preds {
			ok, err := pred(ctx, p)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any 任一成立
func Any(preds ...Predicate) Predicate {
	return func(ctx context.Context, p dom.Page) (bool, error) {
		for _, pred := range preds {
			ok, err := pred(ctx, p)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
}

// InFrame 在一层内嵌 frame 中评估 pred。无法进入的 frame（跨域）视为不匹配。
func InFrame(frameSel string, pred Predicate) Predicate {
	return func(ctx context.Context, p dom.Page) (bool, error) {
		n, err := p.Count(ctx, nil, frameSel)
		if err != nil {
			return false, err
		}
		if n > maxFrames {
			n = maxFrames
		}
		for i := 0; i < n; i++ {
			frame, ok, err := p.Frame(ctx, dom.Nth(frameSel, i))
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
			if ok, err := pred(ctx, frame); err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
}
