package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

func proposePlanTool() (Definition, Handler) {
	def := Definition{
		Name:        "propose_plan",
		Description: "Present an implementation plan for the user to review. Call this once your investigation is complete; it ends the planning turn.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "description": "One-line summary of the plan"},
				"steps": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 1,
					"description": "Ordered implementation steps"
				}
			},
			"required": ["title", "steps"]
		}`),
	}
	return def, runProposePlan
}

func runProposePlan(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Title string   `json:"title"`
		Steps []string `json:"steps"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("propose_plan: decode args: %w", err)
	}
	if len(params.Steps) == 0 {
		return nil, fmt.Errorf("propose_plan: plan has no steps")
	}

	// The plan is echoed back verbatim; the session layer surfaces it
	// to the client and stops the agentic loop.
	return json.Marshal(map[string]any{
		"title": params.Title,
		"steps": params.Steps,
	})
}
