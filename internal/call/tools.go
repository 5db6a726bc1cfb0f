package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// ToolFunc executes one tool invocation. args is the decoded JSON arguments
// object; the returned map is serialized back to the model as the tool
// result and merged into the call's slot memory.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// ToolRegistry maps tool names to in-process implementations. The router
// executes assembled tool calls through it and feeds results back into the
// conversation.
type ToolRegistry struct {
	mu      sync.RWMutex
	fns     map[string]ToolFunc
	defs    []types.ToolDefinition
	metrics *observe.Metrics
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(metrics *observe.Metrics) *ToolRegistry {
	return &ToolRegistry{
		fns:     make(map[string]ToolFunc),
		metrics: metrics,
	}
}

// Register adds a tool. Re-registering a name replaces the implementation
// but keeps a single definition entry.
func (r *ToolRegistry) Register(def types.ToolDefinition, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[def.Name]; !exists {
		r.defs = append(r.defs, def)
	}
	r.fns[def.Name] = fn
}

// Definitions returns the tool definitions offered to the LLM.
func (r *ToolRegistry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Execute runs the named tool with the call's JSON arguments. Returns the
// JSON-encoded result for the tool message plus the raw result map for slot
// extraction.
func (r *ToolRegistry) Execute(ctx context.Context, tc types.ToolCall) (string, map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.fns[tc.Name]
	r.mu.RUnlock()
	if !ok {
		r.recordCall(ctx, tc.Name, "unknown")
		return "", nil, fmt.Errorf("call: unknown tool %q", tc.Name)
	}

	args := map[string]any{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			r.recordCall(ctx, tc.Name, "bad_args")
			return "", nil, fmt.Errorf("call: tool %q arguments: %w", tc.Name, err)
		}
	}

	result, err := fn(ctx, args)
	if err != nil {
		r.recordCall(ctx, tc.Name, "error")
		return "", nil, fmt.Errorf("call: tool %q: %w", tc.Name, err)
	}

	b, err := json.Marshal(result)
	if err != nil {
		r.recordCall(ctx, tc.Name, "error")
		return "", nil, fmt.Errorf("call: tool %q result: %w", tc.Name, err)
	}
	r.recordCall(ctx, tc.Name, "ok")
	return string(b), result, nil
}

func (r *ToolRegistry) recordCall(ctx context.Context, tool, status string) {
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, tool, status)
	}
}

// policyRecord is one entry in the built-in policy lookup table.
type policyRecord struct {
	Deductible string
	Coverage   string
}

// samplePolicies backs find_information_for_policy until a real policy
// service is wired in.
var samplePolicies = map[string]policyRecord{
	"POL-A10001": {Deductible: "$500", Coverage: "comprehensive auto"},
	"POL-B20002": {Deductible: "$1,000", Coverage: "homeowners"},
	"POL-C30003": {Deductible: "$250", Coverage: "renters"},
}

// RegisterBuiltins installs the default tool set.
func (r *ToolRegistry) RegisterBuiltins() {
	r.Register(types.ToolDefinition{
		Name:        "find_information_for_policy",
		Description: "Look up details for an insurance policy by its ID, such as the deductible or coverage type.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"policy_id": map[string]any{
					"type":        "string",
					"description": "The policy identifier, e.g. POL-A10001.",
				},
				"question": map[string]any{
					"type":        "string",
					"description": "What the caller wants to know about the policy.",
				},
			},
			"required": []string{"policy_id"},
		},
	}, findInformationForPolicy)
}

// findInformationForPolicy answers policy questions from the sample table.
func findInformationForPolicy(_ context.Context, args map[string]any) (map[string]any, error) {
	policyID, _ := args["policy_id"].(string)
	if policyID == "" {
		return nil, fmt.Errorf("policy_id is required")
	}

	rec, ok := samplePolicies[policyID]
	if !ok {
		return map[string]any{
			"found":     false,
			"policy_id": policyID,
		}, nil
	}

	question, _ := args["question"].(string)
	answer := fmt.Sprintf("Policy %s is a %s policy with a %s deductible.",
		policyID, rec.Coverage, rec.Deductible)
	if strings.Contains(strings.ToLower(question), "deductible") {
		answer = fmt.Sprintf("Your deductible is %s.", rec.Deductible)
	}

	return map[string]any{
		"found":     true,
		"answer":    answer,
		"policy_id": policyID,
	}, nil
}
