package schema

import "time"

// NodeType names the behaviour of a workflow node.
type NodeType string

const (
	NodeTypeStart          NodeType = "start"
	NodeTypeTrigger        NodeType = "trigger"
	NodeTypeWebhookTrigger NodeType = "webhookTrigger"
	NodeTypeSchedule       NodeType = "schedule"
	NodeTypeCondition      NodeType = "condition"
	NodeTypeFilter         NodeType = "filter"
	NodeTypeSet            NodeType = "set"
	NodeTypeDelay          NodeType = "delay"
	NodeTypeWebhook        NodeType = "webhook"
	NodeTypeAPIRequest     NodeType = "apiRequest"
	NodeTypeGemini         NodeType = "gemini"
	NodeTypeAI             NodeType = "ai"
	NodeTypeEmail          NodeType = "email"
	NodeTypeSocialPost     NodeType = "social-post"
	NodeTypeSocial         NodeType = "social"
	NodeTypeMerge          NodeType = "merge"
	NodeTypeSplitInBatches NodeType = "splitInBatches"
)

// IsEntry reports whether the node type marks the entry point of a workflow.
func (t NodeType) IsEntry() bool {
	switch t {
	case NodeTypeStart, NodeTypeTrigger, NodeTypeWebhookTrigger, NodeTypeSchedule:
		return true
	}
	return false
}

// Canonical folds aliases onto a single type name.
func (t NodeType) Canonical() NodeType {
	switch t {
	case NodeTypeTrigger, NodeTypeWebhookTrigger, NodeTypeSchedule:
		return NodeTypeStart
	case NodeTypeAPIRequest:
		return NodeTypeWebhook
	case NodeTypeAI:
		return NodeTypeGemini
	case NodeTypeSocial:
		return NodeTypeSocialPost
	}
	return t
}

// Edge labels with engine meaning.
const (
	LabelDefault = "default"
	LabelTrue    = "true"
	LabelFalse   = "false"
	LabelLoop    = "loop"
	LabelDone    = "done"
)

// WorkflowDefinition is a user-owned graph of nodes and edges.
// The engine treats it as read-only.
type WorkflowDefinition struct {
	ID                 string            `json:"id" yaml:"id"`
	UserID             string            `json:"userId" yaml:"userId"`
	Name               string            `json:"name" yaml:"name"`
	Description        string            `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes              []Node            `json:"nodes" yaml:"nodes"`
	Edges              []Edge            `json:"edges" yaml:"edges"`
	IsActive           bool              `json:"isActive" yaml:"isActive"`
	TargetBusinessType string            `json:"targetBusinessType,omitempty" yaml:"targetBusinessType,omitempty"`
	Keywords           []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Timezone           string            `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Variables          []VariableDecl    `json:"variables,omitempty" yaml:"variables,omitempty"`
	Settings           *WorkflowSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
	CreatedAt          time.Time         `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// Node is one step of a workflow. Config is decoded into a typed spec per Type.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is a directed transition. Label selects it by the source node's outcome.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// VariableType is the declared type of a workflow context variable.
type VariableType string

const (
	VarString VariableType = "string"
	VarNumber VariableType = "number"
	VarBool   VariableType = "bool"
	VarList   VariableType = "list"
	VarMap    VariableType = "map"
	VarAny    VariableType = "any"
)

// VariableDecl declares a typed context key written by set nodes.
type VariableDecl struct {
	Name string       `json:"name" yaml:"name"`
	Type VariableType `json:"type" yaml:"type"`
}

// WorkflowSettings tunes the walker guards per workflow.
type WorkflowSettings struct {
	MaxRevisits int `json:"maxRevisits,omitempty" yaml:"maxRevisits,omitempty"`
	MaxSteps    int `json:"maxSteps,omitempty" yaml:"maxSteps,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
