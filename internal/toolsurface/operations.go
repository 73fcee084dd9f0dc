package toolsurface

import (
	"context"
	"encoding/json"
	"time"

	"memora/internal/memctx"
	"memora/internal/merrors"
	"memora/internal/model"
	"memora/internal/observability"
	"memora/internal/packer"
	"memora/internal/promote"
	"memora/internal/retrieve"
	"memora/internal/write"
)

// Dispatcher binds the operation table from §6 to the underlying pipelines.
type Dispatcher struct {
	Ctx      *memctx.Manager
	Write    *write.Pipeline
	Retrieve *retrieve.Pipeline
	Promote  *promote.Pipeline
}

// Dispatch normalizes rawArgs and routes it to the named operation. Failures
// are logged with the trace carried on ctx, with secret-shaped fields in
// rawArgs redacted before they reach the log line.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, rawArgs any) (any, error) {
	args, err := Normalize(rawArgs)
	if err != nil {
		d.logFailure(ctx, op, rawArgs, err)
		return nil, err
	}
	handler, ok := operations[op]
	if !ok {
		err := merrors.New(merrors.BadArguments, "unrecognized operation: "+op)
		d.logFailure(ctx, op, rawArgs, err)
		return nil, err
	}
	if missing := firstMissing(args, handler.required); missing != "" {
		err := merrors.New(merrors.BadArguments, op+" is missing required field "+missing)
		d.logFailure(ctx, op, rawArgs, err)
		return nil, err
	}
	result, err := handler.run(ctx, d, args)
	if err != nil {
		d.logFailure(ctx, op, rawArgs, err)
	}
	return result, err
}

func (d *Dispatcher) logFailure(ctx context.Context, op string, rawArgs any, err error) {
	evt := observability.LoggerWithTrace(ctx).Warn().Str("op", op).Err(err)
	if raw, marshalErr := json.Marshal(rawArgs); marshalErr == nil {
		evt = evt.RawJSON("args", observability.RedactJSON(raw))
	}
	evt.Msg("tool dispatch failed")
}

type operation struct {
	required []string
	run      func(ctx context.Context, d *Dispatcher, args map[string]any) (any, error)
}

func firstMissing(args map[string]any, required []string) string {
	for _, r := range required {
		if v, ok := args[r]; !ok || v == nil || v == "" {
			return r
		}
	}
	return ""
}

var operations = map[string]operation{
	"context.set_context":   {required: []string{"tenant_id", "project_id"}, run: handleSetContext},
	"context.ensure_context": {run: handleEnsureContext},
	"context.get_context":    {run: handleGetContext},
	"context.clear_context":  {run: handleClearContext},

	"memory.write":             {required: []string{"content"}, run: handleWrite},
	"memory.write_if_salient":  {required: []string{"content"}, run: handleWriteIfSalient},
	"memory.retrieve":          {required: []string{"objective"}, run: handleRetrieve},
	"memory.retrieve_and_pack": {required: []string{"objective"}, run: handleRetrieveAndPack},

	"memory.promote":     {required: []string{"mem_id", "to_scope"}, run: handlePromote},
	"memory.autopromote": {required: []string{"to_scope"}, run: handleAutoPromote},
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func strSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if s, ok := args[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func contextOverride(args map[string]any) *model.Context {
	c := model.Context{
		TenantID: str(args, "tenant_id"), ProjectID: str(args, "project_id"),
		ContextID: str(args, "context_id"), TaskID: str(args, "task_id"),
		Env: str(args, "env"), APIVersion: str(args, "api_version"),
	}
	if c == (model.Context{}) {
		return nil
	}
	return &c
}

func handleSetContext(_ context.Context, d *Dispatcher, args map[string]any) (any, error) {
	c := model.Context{
		TenantID: str(args, "tenant_id"), ProjectID: str(args, "project_id"),
		ContextID: str(args, "context_id"), TaskID: str(args, "task_id"),
		Env: str(args, "env"), APIVersion: str(args, "api_version"),
	}
	if err := d.Ctx.Set(c); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "context": c}, nil
}

func handleEnsureContext(_ context.Context, d *Dispatcher, args map[string]any) (any, error) {
	c := model.Context{
		TenantID: str(args, "tenant_id"), ProjectID: str(args, "project_id"),
		ContextID: str(args, "context_id"), TaskID: str(args, "task_id"),
		Env: str(args, "env"), APIVersion: str(args, "api_version"),
	}
	got, created, err := d.Ctx.Ensure(c)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "context": got, "created": created}, nil
}

func handleGetContext(_ context.Context, d *Dispatcher, _ map[string]any) (any, error) {
	c, err := d.Ctx.Get()
	if err != nil {
		return map[string]any{"ok": false, "message": err.Error()}, nil
	}
	return map[string]any{"ok": true, "context": c}, nil
}

func handleClearContext(_ context.Context, d *Dispatcher, _ map[string]any) (any, error) {
	d.Ctx.Clear()
	return map[string]any{"ok": true}, nil
}

func writeRequestFrom(args map[string]any) write.Request {
	req := write.Request{
		Content: str(args, "content"), Role: model.Role(str(args, "role")),
		Tags: strSlice(args, "tags"), IdempotencyKey: str(args, "idempotency_key"),
		Scope: model.Scope(str(args, "scope")), TaskID: str(args, "task_id"),
		Artifacts: strSlice(args, "artifacts"), Hash: str(args, "hash"),
		RoundID: str(args, "round_id"), RoundIndex: intArg(args, "round_index"),
		RoundDate: str(args, "round_date"), FactsText: strSlice(args, "facts_text"),
		ContextOverride: contextOverride(args),
	}
	if ts, ok := args["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			req.TS = &parsed
		}
	}
	if ts, ok := args["round_ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			req.RoundTS = &parsed
		}
	}
	if v, ok := args["min_score_override"].(float64); ok {
		req.MinScoreOverride = &v
	}
	return req
}

func handleWrite(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	res, err := d.Write.Write(ctx, writeRequestFrom(args))
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "event_id": res.EventID, "semantic_upserts": res.SemanticUpserts, "facts_upserts": res.FactsUpserts}, nil
}

func handleWriteIfSalient(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	res, err := d.Write.WriteIfSalient(ctx, writeRequestFrom(args))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok": true, "event_id": res.EventID, "semantic_upserts": res.SemanticUpserts,
		"facts_upserts": res.FactsUpserts, "written": res.Written,
	}, nil
}

func retrieveRequestFrom(args map[string]any) retrieve.Request {
	req := retrieve.Request{
		Objective: str(args, "objective"), Budget: intArg(args, "budget"),
		ContextID: str(args, "context_id"), TaskID: str(args, "task_id"),
		ContextOverride: contextOverride(args),
	}
	if f, ok := args["filters"].(map[string]any); ok {
		req.Filters = retrieve.RequestFilters{
			Scopes: strSlice(f, "scopes"), Tags: strSlice(f, "tags"),
			APIVersion: str(f, "api_version"), Env: str(f, "env"), RecentDays: intArg(f, "recent_days"),
		}
	}
	return req
}

func handleRetrieve(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	resp, err := d.Retrieve.Retrieve(ctx, retrieveRequestFrom(args))
	if err != nil {
		return nil, err
	}
	return map[string]any{"snippets": resp.Snippets}, nil
}

func handleRetrieveAndPack(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	resp, err := d.Retrieve.Retrieve(ctx, retrieveRequestFrom(args))
	if err != nil {
		return nil, err
	}
	sections := []packer.Section{
		{Name: "system", Content: str(args, "system")},
		{Name: "task", Content: str(args, "task_frame")},
		{Name: "tools", Content: str(args, "tool_state")},
		{Name: "retrieved", Content: joinHits(resp.Snippets)},
		{Name: "recent_turns", Content: str(args, "recent_turns")},
	}
	packed := packer.Pack(sections, packer.Options{PreserveAnchors: true})
	return map[string]any{"snippets": resp.Snippets, "packed_prompt": packed}, nil
}

func joinHits(hits []model.Hit) string {
	out := ""
	for i, h := range hits {
		if i > 0 {
			out += "\n"
		}
		out += h.Text
	}
	return out
}

func handlePromote(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	res, err := d.Promote.Promote(ctx, str(args, "mem_id"), model.Scope(str(args, "to_scope")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "mem_id": res.MemID, "scope": res.Scope}, nil
}

func handleAutoPromote(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	req := promote.Request{
		ToScope: model.Scope(str(args, "to_scope")), Limit: intArg(args, "limit"),
		SortBy: str(args, "sort_by"),
	}
	if f, ok := args["filters"].(map[string]any); ok {
		req.Filters = promote.AutoFilters{Scopes: strSlice(f, "scopes"), Tags: strSlice(f, "tags")}
	}
	results, err := d.Promote.AutoPromote(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "promoted": results, "scope": req.ToScope}, nil
}
