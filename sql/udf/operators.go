package udf

import (
	"context"
	"fmt"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/runner"
	"rvbbit.dev/rvbbit/sql/sqlengine"
)

// operatorSpec describes one semantic operator's backing cell. The text
// argument always arrives first and the criterion second, matching the
// rewriter's canonical call order.
type operatorSpec struct {
	instructions string
}

// operators maps the scalar function names the rewriter emits to their
// backing cell instructions. Boolean operators answer true/false; scoring
// operators answer a bare number.
var operators = map[string]operatorSpec{
	"rvbbit_means": {
		instructions: "Does the text satisfy the criterion?\n\nText:\n{{input.text}}\n\nCriterion: {{input.criterion}}\n\nAnswer with exactly true or false.",
	},
	"rvbbit_about": {
		instructions: "How strongly is the text about the topic?\n\nText:\n{{input.text}}\n\nTopic: {{input.criterion}}\n\nAnswer with a single number between 0 and 1.",
	},
	"rvbbit_implies": {
		instructions: "Does the text logically imply the statement?\n\nText:\n{{input.text}}\n\nStatement: {{input.criterion}}\n\nAnswer with exactly true or false.",
	},
	"rvbbit_contradicts": {
		instructions: "Does the text contradict the statement?\n\nText:\n{{input.text}}\n\nStatement: {{input.criterion}}\n\nAnswer with exactly true or false.",
	},
	"rvbbit_aligns": {
		instructions: "Is the text aligned with the position?\n\nText:\n{{input.text}}\n\nPosition: {{input.criterion}}\n\nAnswer with exactly true or false.",
	},
	"rvbbit_extracts": {
		instructions: "Extract the requested information from the text.\n\nText:\n{{input.text}}\n\nExtract: {{input.criterion}}\n\nAnswer with the extracted value only, or an empty string when absent.",
	},
	"rvbbit_relevance": {
		instructions: "Score how relevant the text is to the query.\n\nText:\n{{input.text}}\n\nQuery: {{input.criterion}}\n\nAnswer with a single number between 0 and 1.",
	},
	"rvbbit_agg_summarize": {
		instructions: "Summarize the following rows into a short paragraph.\n\nRows:\n{{input.text}}\n\nFocus: {{input.criterion}}",
	},
	"rvbbit_agg_consensus": {
		instructions: "State the consensus position expressed across the following rows.\n\nRows:\n{{input.text}}\n\nQuestion: {{input.criterion}}",
	},
}

// operatorFunc adapts an operator spec into a hosted scalar function.
func (r *Runtime) operatorFunc(spec operatorSpec) sqlengine.ScalarFunc {
	return func(ctx context.Context, args []any) (string, error) {
		criterion := ""
		if len(args) > 1 {
			criterion = fmt.Sprintf("%v", args[1])
		}
		inputs := map[string]any{
			"text":      fmt.Sprintf("%v", args[0]),
			"criterion": criterion,
		}
		return r.runOperator(ctx, spec.instructions, inputs), nil
	}
}

func (r *Runtime) runOperator(ctx context.Context, instructions string, inputs map[string]any) string {
	key := cacheKey(instructions, inputs, r.model)
	if hit, ok := r.cache.Get(ctx, key); ok {
		return hit
	}
	c := &cascade.Cascade{
		ID:    "rvbbit_operator",
		Cells: []*cascade.Cell{{Name: "operator", Instructions: instructions, MaxTurns: 1}},
	}
	res, err := r.runner.Run(ctx, runner.RunRequest{Cascade: c, Inputs: inputs})
	if err != nil || res.Status == echo.StatusFailed {
		r.logger.Warn(ctx, "operator cascade failed", "err", err)
		return ErrorLiteral
	}
	r.cache.Set(ctx, key, res.Content, CacheForever)
	return res.Content
}
