// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/workflow"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// fireTriggers fans out child executions after a successful completion.
// Trigger failures never un-complete the parent; they are reported in the
// completion result.
func (e *Executor) fireTriggers(ctx context.Context, exec *store.Execution, def *workflow.Definition, refCtx *ref.Context, output any) []TriggerRecord {
	logger := log.WithExecutionContext(e.logger, exec.ID, exec.WorkflowID)
	triggerCtx := refCtx.WithOutput(output)

	records := make([]TriggerRecord, 0, len(def.Triggers))
	for _, trig := range def.Triggers {
		record := e.fireTrigger(ctx, exec, &trig, triggerCtx)
		e.metrics.observeTrigger(record.Status)
		logger.Info("trigger processed",
			slog.String("target_workflow", trig.WorkflowID),
			slog.String("status", string(record.Status)),
			slog.Int("children", len(record.ExecutionIDs)))
		records = append(records, record)
	}
	return records
}

func (e *Executor) fireTrigger(ctx context.Context, exec *store.Execution, trig *workflow.Trigger, refCtx *ref.Context) TriggerRecord {
	record := TriggerRecord{WorkflowID: trig.WorkflowID}

	if trig.ForEach == nil {
		res := ref.Resolve(trig.Input, refCtx)
		if res.Failed() {
			record.Status = TriggerSkipped
			record.Reason = fmt.Sprintf("unresolved references: %v", res.ErrorStrings())
			return record
		}
		id, err := e.startChild(ctx, exec, trig.WorkflowID, res.Resolved)
		if err != nil {
			record.Status = TriggerFailed
			record.Reason = err.Error()
			return record
		}
		record.Status = TriggerFired
		record.ExecutionIDs = []string{id}
		return record
	}

	res := ref.Resolve(trig.ForEach.Items, refCtx)
	if res.Failed() {
		record.Status = TriggerSkipped
		record.Reason = fmt.Sprintf("unresolved forEach items: %v", res.ErrorStrings())
		return record
	}
	items, err := extractItems(trig.WorkflowID, res.Resolved)
	if err != nil {
		record.Status = TriggerFailed
		record.Reason = err.Error()
		return record
	}
	if len(items) == 0 {
		record.Status = TriggerFired
		return record
	}
	if len(items) > workflow.TriggerMaxFanOut {
		record.Status = TriggerFailed
		record.Reason = fmt.Sprintf("fan-out of %d exceeds the cap of %d", len(items), workflow.TriggerMaxFanOut)
		return record
	}

	for i, item := range items {
		itemCtx := refCtx.WithItem(item, i)
		res := ref.Resolve(trig.Input, itemCtx)
		if res.Failed() {
			record.Status = TriggerFailed
			record.Reason = fmt.Sprintf("item %d: unresolved references: %v", i, res.ErrorStrings())
			return record
		}
		id, err := e.startChild(ctx, exec, trig.WorkflowID, res.Resolved)
		if err != nil {
			record.Status = TriggerFailed
			record.Reason = fmt.Sprintf("item %d: %s", i, err.Error())
			return record
		}
		record.ExecutionIDs = append(record.ExecutionIDs, id)
	}
	record.Status = TriggerFired
	return record
}

func (e *Executor) startChild(ctx context.Context, parent *store.Execution, workflowID string, input any) (string, error) {
	child, err := e.store.CreateExecution(ctx, store.CreateExecutionRequest{
		WorkflowID:        workflowID,
		Input:             input,
		ParentExecutionID: parent.ID,
		RuntimeContext:    parent.RuntimeContext,
		MaxRetries:        parent.MaxRetries,
		CreatedBy:         parent.CreatedBy,
	})
	if err != nil {
		return "", err
	}
	return child.ID, nil
}
