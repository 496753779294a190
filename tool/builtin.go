package tool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewCalculatorTool returns a tool performing basic arithmetic on two
// operands. Intended for examples and tests.
func NewCalculatorTool() *FunctionTool {
	return NewFunctionTool(
		"calculator",
		"Perform a basic arithmetic operation (add, subtract, multiply, divide) on two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type":        "string",
					"description": "One of add, subtract, multiply, divide",
					"enum":        []string{"add", "subtract", "multiply", "divide"},
				},
				"a": map[string]any{"type": "number", "description": "Left operand"},
				"b": map[string]any{"type": "number", "description": "Right operand"},
			},
			"required": []string{"operation", "a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			a, aok := toFloat(args["a"])
			b, bok := toFloat(args["b"])
			if !aok || !bok {
				return nil, NewToolError("calculator", "operands must be numbers", "VALIDATION_ERROR")
			}
			switch args["operation"] {
			case "add":
				return a + b, nil
			case "subtract":
				return a - b, nil
			case "multiply":
				return a * b, nil
			case "divide":
				if b == 0 {
					return nil, NewToolError("calculator", "division by zero", "EXECUTION_ERROR")
				}
				return a / b, nil
			default:
				return nil, NewToolError("calculator", fmt.Sprintf("unknown operation %v", args["operation"]), "VALIDATION_ERROR")
			}
		},
	)
}

// NewCurrentTimeTool returns a tool reporting the current time, optionally
// formatted with a Go layout string.
func NewCurrentTimeTool() *FunctionTool {
	return NewFunctionTool(
		"current_time",
		"Get the current date and time, optionally formatted with a Go time layout",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"layout": map[string]any{
					"type":        "string",
					"description": "Go time layout, defaults to RFC3339",
				},
			},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			layout := time.RFC3339
			if l, ok := args["layout"].(string); ok && l != "" {
				layout = l
			}
			return time.Now().Format(layout), nil
		},
	)
}

// NewEchoTool returns a tool that echoes its input back, uppercased on
// request. Useful as a deterministic capability in tests and examples.
func NewEchoTool() *FunctionTool {
	return NewFunctionTool(
		"echo",
		"Echo the provided text back, optionally uppercased",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":      map[string]any{"type": "string", "description": "Text to echo"},
				"uppercase": map[string]any{"type": "boolean", "description": "Return the text uppercased"},
			},
			"required": []string{"text"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			if up, ok := args["uppercase"].(bool); ok && up {
				return strings.ToUpper(text), nil
			}
			return text, nil
		},
	)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
