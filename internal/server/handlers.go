package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/engine/auth"
	"cityflow/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type rulePath struct {
	RuleID string `path:"rule_id"`
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EnabledOnly bool `query:"enabled_only"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermRulesRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRules(ctx, input.EnabledOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermRulesWrite)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := input.Body.input()
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.CreateRule(ctx, in, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermRulesRead); err != nil {
			return nil, handleError(err)
		}
		r, err := e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{rule_id}",
		Summary:     "Replace rule definition",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string      `path:"rule_id"`
		Body   RuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermRulesWrite)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := input.Body.input()
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.UpdateRule(ctx, input.RuleID, in, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	for _, toggle := range []struct {
		verb    string
		enabled bool
	}{{"enable", true}, {"disable", false}} {
		enabled := toggle.enabled
		huma.Register(api, huma.Operation{
			OperationID: toggle.verb + "-rule",
			Method:      http.MethodPost,
			Path:        "/rules/{rule_id}/" + toggle.verb,
			Summary:     strings.ToUpper(toggle.verb[:1]) + toggle.verb[1:] + " rule",
			Errors:      writeErrors,
		}, func(ctx context.Context, input *rulePath) (*struct {
			Body RuleResponse `json:"body"`
		}, error) {
			actorID, err := requirePermission(ctx, auth.PermRulesWrite)
			if err != nil {
				return nil, handleError(err)
			}
			r, err := e.SetRuleEnabled(ctx, input.RuleID, enabled, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RuleResponse `json:"body"`
			}{Body: ruleResponse(r)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *rulePath) (*struct{}, error) {
		actorID, err := requirePermission(ctx, auth.PermRulesWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRule(ctx, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "post-signal",
		Method:      http.MethodPost,
		Path:        "/signals",
		Summary:     "Evaluate an incoming alert, metric, tick or named event",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body EventRequest `json:"body"`
	}) (*struct {
		Body engine.FiringReport `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermEventsIngest)
		if err != nil {
			return nil, handleError(err)
		}
		ev := input.Body.event()
		if ev.Category == "" && ev.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "category or name is required", nil)
		}
		report, err := e.HandleEvent(ctx, ev, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		report.Fired = nonNilSlice(report.Fired)
		report.Suppressed = nonNilSlice(report.Suppressed)
		return &struct {
			Body engine.FiringReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerPredictions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-predictions",
		Method:      http.MethodGet,
		Path:        "/predictions",
		Summary:     "List stored maintenance predictions",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,scheduled"`
		Urgency string `query:"urgency" enum:"critical,high,medium,low"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.MaintenancePrediction `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPredictions(ctx, repo.PredictionFilters{Status: input.Status, Urgency: input.Urgency, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MaintenancePrediction `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-predictions",
		Method:      http.MethodPost,
		Path:        "/predictions",
		Summary:     "Ingest predictions and, when enabled, materialize tasks",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body engine.IngestReport `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		preds := make([]domain.MaintenancePrediction, 0, len(input.Body.Predictions))
		for _, p := range input.Body.Predictions {
			preds = append(preds, p.prediction())
		}
		report, err := e.IngestPredictions(ctx, preds, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Batch != nil {
			report.Batch.TaskIDs = nonNilSlice(report.Batch.TaskIDs)
		}
		return &struct {
			Body engine.IngestReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-predictions",
		Method:      http.MethodPost,
		Path:        "/predictions/process",
		Summary:     "Materialize every pending prediction that passes the priority threshold",
		Errors:      writeErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.BatchReport `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := e.ProcessAllPending(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		report.TaskIDs = nonNilSlice(report.TaskIDs)
		return &struct {
			Body engine.BatchReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "materialize-prediction",
		Method:        http.MethodPost,
		Path:          "/predictions/{prediction_id}/materialize",
		Summary:       "Create the maintenance task for one prediction",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		PredictionID string `path:"prediction_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.MaterializePrediction(ctx, input.PredictionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List maintenance tasks, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"scheduled,pending_parts,completed"`
		TechnicianID string `query:"technician_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			TechnicianID:    input.TechnicianID,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
			Limit:           limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(repo.CursorFor(items[limit-1]))
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task and consume its reserved parts",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CompleteTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task, releasing parts and requeueing its prediction",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actorID, err := requirePermission(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type permitPath struct {
	PermitID string `path:"permit_id"`
}

func registerPermits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-permit",
		Method:        http.MethodPost,
		Path:          "/permits",
		Summary:       "Submit permit",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body PermitRequest `json:"body"`
	}) (*struct {
		Body domain.PermitWorkflow `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermPermitsAdvance)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreatePermit(ctx, engine.PermitInput{
			Number:   input.Body.PermitNumber,
			Subject:  input.Body.Subject,
			Priority: input.Body.Priority,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermitWorkflow `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permits",
		Method:      http.MethodGet,
		Path:        "/permits",
		Summary:     "List permits",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Step  string `query:"step" enum:"submitted,review,approved,issued,rejected,cancelled"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.PermitWorkflow `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermPermitsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPermits(ctx, repo.PermitFilters{Step: input.Step, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PermitWorkflow `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permit",
		Method:      http.MethodGet,
		Path:        "/permits/{permit_id}",
		Summary:     "Get permit with history",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *permitPath) (*struct {
		Body domain.PermitWorkflow `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermPermitsRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetPermit(ctx, input.PermitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermitWorkflow `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-permit",
		Method:      http.MethodPost,
		Path:        "/permits/{permit_id}/advance",
		Summary:     "Approve, reject or cancel a permit",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		PermitID string         `path:"permit_id"`
		Body     AdvanceRequest `json:"body"`
	}) (*struct {
		Body domain.PermitWorkflow `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermPermitsAdvance)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.AdvancePermit(ctx, input.PermitID, input.Body.Action, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermitWorkflow `json:"body"`
		}{Body: p}, nil
	})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-technicians",
		Method:      http.MethodGet,
		Path:        "/technicians",
		Summary:     "List technicians",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Technician `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTechnicians(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Technician `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-technician",
		Method:      http.MethodPut,
		Path:        "/technicians/{technician_id}",
		Summary:     "Create or replace technician",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TechnicianID string            `path:"technician_id"`
		Body         TechnicianRequest `json:"body"`
	}) (*struct {
		Body domain.Technician `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermResourcesWrite)
		if err != nil {
			return nil, handleError(err)
		}
		available := true
		if input.Body.Available != nil {
			available = *input.Body.Available
		}
		t, err := e.UpsertTechnician(ctx, domain.Technician{
			ID:        input.TechnicianID,
			Name:      input.Body.Name,
			Specialty: input.Body.Specialty,
			Available: available,
			Tasks:     input.Body.Tasks,
			Rating:    input.Body.Rating,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Technician `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parts",
		Method:      http.MethodGet,
		Path:        "/parts",
		Summary:     "List spare-part stock",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PartStock `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListParts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PartStock `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-part",
		Method:      http.MethodPut,
		Path:        "/parts/{sku}",
		Summary:     "Set on-hand quantity for a SKU",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SKU  string      `path:"sku"`
		Body PartRequest `json:"body"`
	}) (*struct {
		Body domain.PartStock `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermResourcesWrite)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.UpsertPart(ctx, domain.PartStock{SKU: input.SKU, Name: input.Body.Name, Quantity: input.Body.Quantity}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PartStock `json:"body"`
		}{Body: p}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Effective automation settings",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AutomationSettings `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Settings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Replace automation settings",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body domain.AutomationSettings `json:"body"`
	}) (*struct {
		Body domain.AutomationSettings `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, auth.PermSettingsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.UpdateSettings(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationSettings `json:"body"`
		}{Body: s}, nil
	})
}
