package tools

import (
	"github.com/haasonsaas/relay/internal/schema"
)

// Builtin tool names.
const (
	EndTurn            = "end_turn"
	TaskCompleted      = "task_completed"
	SetOutput          = "set_output"
	AddSubgoal         = "add_subgoal"
	UpdateSubgoal      = "update_subgoal"
	SpawnAgents        = "spawn_agents"
	Think              = "think"
	AddMessage         = "add_message"
	SetMessages        = "set_messages"
	ReadFiles          = "read_files"
	WriteFile          = "write_file"
	RunTerminalCommand = "run_terminal_command"
	CodeSearch         = "code_search"
)

// WontForceNextStep lists tools whose invocation alone does not prevent the
// no-work end-turn shortcut: control and bookkeeping tools (turn ending,
// output, subgoals, thinking, message edits) that produce no follow-up work
// for the model.
var WontForceNextStep = map[string]bool{
	EndTurn:       true,
	TaskCompleted: true,
	SetOutput:     true,
	AddSubgoal:    true,
	UpdateSubgoal: true,
	Think:         true,
	AddMessage:    true,
	SetMessages:   true,
}

// RuntimeHandled lists tools the runtime executes itself rather than
// forwarding to the host's tool-call contract.
var RuntimeHandled = map[string]bool{
	EndTurn:       true,
	TaskCompleted: true,
	SetOutput:     true,
	AddSubgoal:    true,
	UpdateSubgoal: true,
	SpawnAgents:   true,
	Think:         true,
	AddMessage:    true,
	SetMessages:   true,
}

// EndsTurn lists the explicit end-turn tools.
var EndsTurn = map[string]bool{
	EndTurn:       true,
	TaskCompleted: true,
}

// Input payloads for the builtin tools. Schemas are derived from these
// structs.

type EndTurnInput struct{}

type TaskCompletedInput struct {
	Summary string `json:"summary,omitempty" jsonschema_description:"Optional one-line summary of what was accomplished"`
}

type SetOutputInput struct {
	Output map[string]any `json:"output" jsonschema_description:"Structured output for this agent run"`
}

type AddSubgoalInput struct {
	ID        string `json:"id" jsonschema_description:"Unique subgoal id"`
	Objective string `json:"objective" jsonschema_description:"What this subgoal is trying to achieve"`
	Status    string `json:"status,omitempty"`
	Plan      string `json:"plan,omitempty"`
}

type UpdateSubgoalInput struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Plan   string `json:"plan,omitempty"`
	Log    string `json:"log,omitempty" jsonschema_description:"Progress note appended to the subgoal log"`
}

type SpawnAgentEntry struct {
	AgentType string         `json:"agent_type" jsonschema_description:"Template id of the agent to spawn"`
	Prompt    string         `json:"prompt,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

type SpawnAgentsInput struct {
	Agents []SpawnAgentEntry `json:"agents"`
}

type ThinkInput struct {
	Thought string `json:"thought"`
}

type AddMessageInput struct {
	Role    string `json:"role" jsonschema:"enum=user,enum=assistant"`
	Content string `json:"content"`
}

type SetMessagesInput struct {
	Messages []AddMessageInput `json:"messages"`
}

type ReadFilesInput struct {
	Paths []string `json:"paths"`
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type RunTerminalCommandInput struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type CodeSearchInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// Builtins returns the builtin tool definitions.
func Builtins() []Definition {
	return []Definition{
		{Name: EndTurn, Description: "End the current turn without marking the task complete.", InputSchema: schema.MustFor(EndTurnInput{})},
		{Name: TaskCompleted, Description: "Signal that the requested task is complete and end the turn.", InputSchema: schema.MustFor(TaskCompletedInput{})},
		{Name: SetOutput, Description: "Set the structured output for this agent run.", InputSchema: schema.MustFor(SetOutputInput{})},
		{Name: AddSubgoal, Description: "Record a new subgoal in the agent's working context.", InputSchema: schema.MustFor(AddSubgoalInput{})},
		{Name: UpdateSubgoal, Description: "Update the status, plan, or log of an existing subgoal.", InputSchema: schema.MustFor(UpdateSubgoalInput{})},
		{Name: SpawnAgents, Description: "Spawn one or more child agents and wait for them to finish.", InputSchema: schema.MustFor(SpawnAgentsInput{})},
		{Name: Think, Description: "Think out loud without taking any action.", InputSchema: schema.MustFor(ThinkInput{})},
		{Name: AddMessage, Description: "Append a message to the conversation history.", InputSchema: schema.MustFor(AddMessageInput{})},
		{Name: SetMessages, Description: "Replace the conversation history with the given messages.", InputSchema: schema.MustFor(SetMessagesInput{})},
		{Name: ReadFiles, Description: "Read the contents of one or more project files.", InputSchema: schema.MustFor(ReadFilesInput{})},
		{Name: WriteFile, Description: "Create or overwrite a project file.", InputSchema: schema.MustFor(WriteFileInput{})},
		{Name: RunTerminalCommand, Description: "Run a shell command in the project directory.", InputSchema: schema.MustFor(RunTerminalCommandInput{})},
		{Name: CodeSearch, Description: "Search project files for a pattern.", InputSchema: schema.MustFor(CodeSearchInput{})},
	}
}
