package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/taskrelay/internal/delegation"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/registry"
	"github.com/basket/taskrelay/internal/safety"
	"github.com/basket/taskrelay/internal/shared"
)

// Tool names.
const (
	ToolSendTask        = "a2a-send-task"
	ToolGetTask         = "a2a-get-task"
	ToolListTasks       = "a2a-list-tasks"
	ToolReportResult    = "a2a-report-result"
	ToolListAgents      = "a2a-list-agents"
	ToolRegisterAgent   = "a2a-register-agent"
	ToolHeartbeat       = "a2a-heartbeat"
	ToolDeactivateAgent = "a2a-deactivate-agent"
	ToolPollTasks       = "a2a-poll-tasks"
	ToolClaimTask       = "a2a-claim-task"
)

const messageSchema = `{
	"type": "object",
	"required": ["role", "parts"],
	"properties": {
		"role": {"type": "string", "minLength": 1},
		"parts": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"text": {"type": "string"},
					"data": {}
				}
			}
		}
	}
}`

const idSchema = `{"type": "string", "minLength": 1, "maxLength": 128}`

func (r *Router) catalog() []*tool {
	return []*tool{
		{
			name:        ToolSendTask,
			description: "Create a task, or continue one when taskId is given",
			schemaJSON: `{
				"type": "object",
				"required": ["message"],
				"properties": {
					"taskId": ` + idSchema + `,
					"message": ` + messageSchema + `,
					"agentId": ` + idSchema + `,
					"priority": {"type": "integer"}
				},
				"additionalProperties": false
			}`,
			handler: r.sendTask,
		},
		{
			name:        ToolGetTask,
			description: "Fetch a task with its message history",
			schemaJSON: `{
				"type": "object",
				"required": ["taskId"],
				"properties": {"taskId": ` + idSchema + `},
				"additionalProperties": false
			}`,
			handler: r.getTask,
		},
		{
			name:        ToolListTasks,
			description: "List tasks newest first",
			schemaJSON: `{
				"type": "object",
				"properties": {
					"state": {"enum": ["SUBMITTED", "WORKING", "COMPLETED", "FAILED"]},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100},
					"offset": {"type": "integer", "minimum": 0}
				},
				"additionalProperties": false
			}`,
			handler: r.listTasks,
		},
		{
			name:        ToolReportResult,
			description: "Report a claimed task's outcome",
			schemaJSON: `{
				"type": "object",
				"required": ["taskId", "success"],
				"properties": {
					"taskId": ` + idSchema + `,
					"success": {"type": "boolean"},
					"result": {},
					"error": {"type": "string"},
					"artifacts": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["parts"],
							"properties": {
								"name": {"type": "string"},
								"description": {"type": "string"},
								"parts": {"type": "array"}
							}
						}
					}
				},
				"additionalProperties": false
			}`,
			handler: r.reportResult,
		},
		{
			name:        ToolListAgents,
			description: "List registered agents",
			schemaJSON: `{
				"type": "object",
				"properties": {"activeOnly": {"type": "boolean"}},
				"additionalProperties": false
			}`,
			handler: r.listAgents,
		},
		{
			name:        ToolRegisterAgent,
			description: "Register or revive an agent endpoint",
			schemaJSON: `{
				"type": "object",
				"required": ["agentId", "baseUrl", "port"],
				"properties": {
					"agentId": ` + idSchema + `,
					"baseUrl": {"type": "string", "minLength": 1},
					"port": {"type": "integer", "minimum": 1, "maximum": 65535},
					"capabilities": {},
					"metadata": {}
				},
				"additionalProperties": false
			}`,
			handler: r.registerAgent,
		},
		{
			name:        ToolHeartbeat,
			description: "Refresh an agent's liveness",
			schemaJSON:  agentIDOnly,
			handler:     r.heartbeat,
		},
		{
			name:        ToolDeactivateAgent,
			description: "Mark an agent as signed off",
			schemaJSON:  agentIDOnly,
			handler:     r.deactivateAgent,
		},
		{
			name:        ToolPollTasks,
			description: "List pending delegations for an agent",
			schemaJSON:  agentIDOnly,
			handler:     r.pollTasks,
		},
		{
			name:        ToolClaimTask,
			description: "Claim a pending delegation and move the task to WORKING",
			schemaJSON: `{
				"type": "object",
				"required": ["taskId"],
				"properties": {"taskId": ` + idSchema + `},
				"additionalProperties": false
			}`,
			handler: r.claimTask,
		},
	}
}

const agentIDOnly = `{
	"type": "object",
	"required": ["agentId"],
	"properties": {"agentId": ` + idSchema + `},
	"additionalProperties": false
}`

// TaskStatus is returned by tools that act on a single task.
type TaskStatus struct {
	TaskID string                `json:"taskId"`
	Status persistence.TaskState `json:"status"`
}

type sendTaskArgs struct {
	TaskID   string              `json:"taskId"`
	Message  persistence.Message `json:"message"`
	AgentID  string              `json:"agentId"`
	Priority int                 `json:"priority"`
}

func (r *Router) sendTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var args sendTaskArgs
	if err := decodeArgs(ToolSendTask, raw, &args); err != nil {
		return nil, err
	}
	return r.SendMessage(ctx, args.TaskID, args.Message, args.AgentID, args.Priority)
}

// SendMessage creates or continues a task. New tasks are handed to the
// delegator under agentID, or the local agent when agentID is empty.
func (r *Router) SendMessage(ctx context.Context, taskID string, msg persistence.Message, agentID string, priority int) (*TaskStatus, error) {
	if r.deps.Tasks == nil {
		return nil, shared.NotConfigured(component, ToolSendTask, "task queue")
	}
	if taskID != "" {
		task, err := r.deps.Tasks.ContinueTask(ctx, taskID, msg)
		if err != nil {
			return nil, err
		}
		return &TaskStatus{TaskID: task.ID, Status: task.State}, nil
	}

	if agentID != "" && r.deps.Delegator == nil {
		return nil, shared.NotConfigured(component, ToolSendTask, "delegator")
	}
	if r.deps.Delegator != nil {
		if agentID == "" {
			agentID = r.deps.LocalAgentID
		}
		if err := safety.ValidateIdentifier("agentId", agentID); err != nil {
			return nil, err
		}
	}

	task, err := r.deps.Tasks.CreateTask(ctx, msg)
	if err != nil {
		return nil, err
	}
	if r.deps.Delegator != nil {
		if err := r.deps.Delegator.AddTask(task.ID, msg.Text(), priority, agentID); err != nil {
			r.failUndelegated(ctx, task.ID, err)
			return nil, err
		}
	}
	r.logger.Info("task submitted", "task_id", task.ID, "agent_id", agentID, "trace_id", shared.TraceID(ctx))
	return &TaskStatus{TaskID: task.ID, Status: task.State}, nil
}

// failUndelegated fails a task that was created but never reached the
// bridge, so it is not left SUBMITTED with no consumer able to see it.
func (r *Router) failUndelegated(ctx context.Context, taskID string, cause error) {
	_, err := r.deps.Tasks.UpdateTaskStatus(ctx, taskID, persistence.TaskUpdate{
		State:    persistence.TaskStateFailed,
		Metadata: map[string]any{"error": "delegation failed: " + cause.Error()},
	})
	if err != nil {
		r.logger.Error("fail undelegated task", "task_id", taskID, "error", err)
	}
}

type taskIDArgs struct {
	TaskID string `json:"taskId"`
}

func (r *Router) getTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var args taskIDArgs
	if err := decodeArgs(ToolGetTask, raw, &args); err != nil {
		return nil, err
	}
	return r.GetTask(ctx, args.TaskID)
}

// GetTask returns the task or a NotFoundError.
func (r *Router) GetTask(ctx context.Context, taskID string) (*persistence.Task, error) {
	if r.deps.Tasks == nil {
		return nil, shared.NotConfigured(component, ToolGetTask, "task queue")
	}
	task, err := r.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, shared.NewNotFoundError(component, ToolGetTask, "task", taskID)
	}
	return task, nil
}

type listTasksArgs struct {
	State  persistence.TaskState `json:"state"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type TaskList struct {
	Tasks []persistence.Task `json:"tasks"`
	Total int                `json:"total"`
}

func (r *Router) listTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listTasksArgs
	if err := decodeArgs(ToolListTasks, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Tasks == nil {
		return nil, shared.NotConfigured(component, ToolListTasks, "task queue")
	}
	tasks, total, err := r.deps.Tasks.ListTasks(ctx, persistence.TaskFilter{State: args.State, Limit: args.Limit, Offset: args.Offset})
	if err != nil {
		return nil, err
	}
	return &TaskList{Tasks: tasks, Total: total}, nil
}

type reportResultArgs struct {
	TaskID    string                 `json:"taskId"`
	Success   bool                   `json:"success"`
	Result    json.RawMessage        `json:"result"`
	Error     string                 `json:"error"`
	Artifacts []persistence.Artifact `json:"artifacts"`
}

// reportResult removes the bridge record first and then records the
// outcome. A crash in between leaves a bridge-less WORKING task, which the
// reconciler fails once it times out.
func (r *Router) reportResult(ctx context.Context, raw json.RawMessage) (any, error) {
	var args reportResultArgs
	if err := decodeArgs(ToolReportResult, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Delegator == nil {
		return nil, shared.NotConfigured(component, ToolReportResult, "delegator")
	}
	if r.deps.Tasks == nil {
		return nil, shared.NotConfigured(component, ToolReportResult, "task queue")
	}
	current, err := r.GetTask(ctx, args.TaskID)
	if err != nil {
		return nil, err
	}

	r.deps.Delegator.RemoveTask(args.TaskID)

	upd := persistence.TaskUpdate{
		State:     persistence.TaskStateCompleted,
		Metadata:  map[string]any{"completedAt": time.Now().UTC().Format(time.RFC3339)},
		Artifacts: args.Artifacts,
	}
	if args.Success {
		var result any
		if len(args.Result) > 0 {
			if err := json.Unmarshal(args.Result, &result); err != nil {
				return nil, shared.NewValidationError(component, ToolReportResult, "result is not valid JSON", nil)
			}
		}
		upd.Metadata["result"] = result
	} else {
		upd.State = persistence.TaskStateFailed
		errMsg := args.Error
		if errMsg == "" {
			errMsg = "task failed"
		}
		upd.Metadata["error"] = errMsg
	}

	ok, err := r.deps.Tasks.UpdateTaskStatus(ctx, args.TaskID, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.NewNotFoundError(component, ToolReportResult, "task", args.TaskID)
	}
	r.metrics.RecordTransition(string(current.State), string(upd.State))
	r.instruments.RecordTransition(ctx, string(upd.State))
	r.logger.Info("task result reported", "task_id", args.TaskID, "state", upd.State, "trace_id", shared.TraceID(ctx))
	return &TaskStatus{TaskID: args.TaskID, Status: upd.State}, nil
}

type listAgentsArgs struct {
	ActiveOnly bool `json:"activeOnly"`
}

type AgentList struct {
	Agents []registry.Entry `json:"agents"`
}

func (r *Router) listAgents(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listAgentsArgs
	if err := decodeArgs(ToolListAgents, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Registry == nil {
		return nil, shared.NotConfigured(component, ToolListAgents, "agent registry")
	}
	var (
		agents []registry.Entry
		err    error
	)
	if args.ActiveOnly {
		agents, err = r.deps.Registry.ListActive(ctx)
	} else {
		agents, err = r.deps.Registry.ListAll(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &AgentList{Agents: agents}, nil
}

func (r *Router) registerAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	var args registry.RegisterParams
	if err := decodeArgs(ToolRegisterAgent, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Registry == nil {
		return nil, shared.NotConfigured(component, ToolRegisterAgent, "agent registry")
	}
	return r.deps.Registry.Register(ctx, args)
}

type agentIDArgs struct {
	AgentID string `json:"agentId"`
}

// AgentAck is returned by heartbeat and deactivate.
type AgentAck struct {
	AgentID string `json:"agentId"`
	OK      bool   `json:"ok"`
}

func (r *Router) heartbeat(ctx context.Context, raw json.RawMessage) (any, error) {
	return r.agentAck(ctx, ToolHeartbeat, raw, func(ctx context.Context, reg *registry.Registry, id string) (bool, error) {
		return reg.Heartbeat(ctx, id)
	})
}

func (r *Router) deactivateAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	return r.agentAck(ctx, ToolDeactivateAgent, raw, func(ctx context.Context, reg *registry.Registry, id string) (bool, error) {
		return reg.Deactivate(ctx, id)
	})
}

func (r *Router) agentAck(ctx context.Context, toolName string, raw json.RawMessage, op func(context.Context, *registry.Registry, string) (bool, error)) (any, error) {
	var args agentIDArgs
	if err := decodeArgs(toolName, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Registry == nil {
		return nil, shared.NotConfigured(component, toolName, "agent registry")
	}
	ok, err := op(ctx, r.deps.Registry, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.NewNotFoundError(component, toolName, "agent", args.AgentID)
	}
	return &AgentAck{AgentID: args.AgentID, OK: true}, nil
}

type PendingList struct {
	Tasks []delegation.PendingDelegation `json:"tasks"`
}

func (r *Router) pollTasks(_ context.Context, raw json.RawMessage) (any, error) {
	var args agentIDArgs
	if err := decodeArgs(ToolPollTasks, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Delegator == nil {
		return nil, shared.NotConfigured(component, ToolPollTasks, "delegator")
	}
	return &PendingList{Tasks: r.deps.Delegator.GetPendingTasks(args.AgentID)}, nil
}

func (r *Router) claimTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var args taskIDArgs
	if err := decodeArgs(ToolClaimTask, raw, &args); err != nil {
		return nil, err
	}
	if r.deps.Delegator == nil {
		return nil, shared.NotConfigured(component, ToolClaimTask, "delegator")
	}
	if r.deps.Tasks == nil {
		return nil, shared.NotConfigured(component, ToolClaimTask, "task queue")
	}
	if !r.deps.Delegator.MarkTaskInProgress(args.TaskID) {
		if !r.deps.Delegator.Has(args.TaskID) {
			return nil, shared.NewNotFoundError(component, ToolClaimTask, "delegation", args.TaskID)
		}
		return nil, shared.NewValidationError(component, ToolClaimTask, "task is already claimed", map[string]any{"taskId": args.TaskID})
	}

	ok, err := r.deps.Tasks.UpdateTaskStatus(ctx, args.TaskID, persistence.TaskUpdate{
		State:    persistence.TaskStateWorking,
		Metadata: map[string]any{"claimedAt": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		r.deps.Delegator.ReleaseTask(args.TaskID)
		return nil, err
	}
	if !ok {
		r.deps.Delegator.RemoveTask(args.TaskID)
		return nil, shared.NewNotFoundError(component, ToolClaimTask, "task", args.TaskID)
	}
	r.metrics.RecordTransition(string(persistence.TaskStateSubmitted), string(persistence.TaskStateWorking))
	r.instruments.RecordTransition(ctx, string(persistence.TaskStateWorking))
	return &TaskStatus{TaskID: args.TaskID, Status: persistence.TaskStateWorking}, nil
}
