package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/hitoshi/seopilot/internal/model"
)

// RuleEvaluator はAUTOMATICモードで即時適用してよい修正を絞り込むCEL式を評価する。
//
// 式では次の変数を参照できる。
//
//	issue.type, issue.severity, issue.page_url
//	fix.field, fix.type
//
// 例: issue.severity in ['critical', 'high'] && fix.field != 'canonical_url'
type RuleEvaluator struct {
	expr    string
	program cel.Program
}

// NewRuleEvaluator は式をコンパイルする。空の式の場合はnilを返す。
func NewRuleEvaluator(expr string) (*RuleEvaluator, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("issue", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("fix", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL環境の生成に失敗しました: %w", err)
	}

	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("自動適用ルールの解析に失敗しました: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("自動適用ルールの型検査に失敗しました: %w", iss.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("自動適用ルールはboolを返す必要があります: %s", out)
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("自動適用ルールのコンパイルに失敗しました: %w", err)
	}
	return &RuleEvaluator{expr: expr, program: program}, nil
}

// String は元の式を返す。
func (r *RuleEvaluator) String() string {
	return r.expr
}

// Allow は修正を即時適用してよいかどうかを評価する。
func (r *RuleEvaluator) Allow(issue *model.Issue, fix *model.Fix) (bool, error) {
	vars := map[string]any{
		"issue": map[string]any{},
		"fix":   map[string]any{},
	}
	if issue != nil {
		vars["issue"] = map[string]any{
			"type":     issue.Type,
			"severity": string(issue.Severity),
			"page_url": issue.PageURL,
		}
	}
	if fix != nil {
		vars["fix"] = map[string]any{
			"field": fix.Field,
			"type":  fix.Type,
		}
	}

	result, _, err := r.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("自動適用ルールの評価に失敗しました: %w", err)
	}
	if result.Type() != types.BoolType {
		return false, fmt.Errorf("自動適用ルールがboolを返しませんでした")
	}
	return result.Value().(bool), nil
}
