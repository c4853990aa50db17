package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"contextcache/internal/app"
	"contextcache/internal/config"
	"contextcache/internal/history"

	"gopkg.in/yaml.v3"
)

type env struct {
	engine *app.Engine
	cfg    *config.Config
	opts   options
	out    io.Writer
}

type command struct {
	usage   string
	minArgs int
	run     func(ctx context.Context, e *env, args []string) error
}

var commandOrder = []string{"stats", "show", "export", "import", "context", "clear", "clear-all", "cleanup"}

var commands = map[string]command{
	"stats":     {usage: "storage usage and conversation count", run: runStats},
	"show":      {usage: "<key>  print the optimized view of a conversation", minArgs: 1, run: runShow},
	"export":    {usage: "<key>  print the full stored record", minArgs: 1, run: runExport},
	"import":    {usage: "<file> save a record previously written by export", minArgs: 1, run: runImport},
	"context":   {usage: "<key> <message>  preview the prompt sent to the model", minArgs: 2, run: runContext},
	"clear":     {usage: "<key>  delete one conversation", minArgs: 1, run: runClear},
	"clear-all": {usage: "delete every conversation (requires --yes)", run: runClearAll},
	"cleanup":   {usage: "run smart cleanup, or emergency cleanup with --emergency", run: runCleanup},
}

// print 按 --format 输出
func (e *env) print(v any) error {
	if e.opts.format == "json" {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(e.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(toPlain(v))
}

// toPlain 经 JSON 转成通用结构，使 YAML 输出沿用 JSON 字段名与时间戳格式
func toPlain(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

func runStats(ctx context.Context, e *env, _ []string) error {
	stats := e.engine.Store.Stats(ctx)
	return e.print(map[string]any{
		"backend":   e.cfg.Storage.Backend,
		"usage":     stats.Usage,
		"bytesUsed": stats.BytesUsed,
		"maxBytes":  stats.MaxBytes,
		"keyCount":  stats.KeyCount,
	})
}

func loadRecord(ctx context.Context, e *env, key string) (*history.HistoryRecord, error) {
	record, ok := e.engine.Store.LoadRecord(ctx, key)
	if !ok {
		return nil, fmt.Errorf("conversation %q not found", key)
	}
	return record, nil
}

func runShow(ctx context.Context, e *env, args []string) error {
	record, err := loadRecord(ctx, e, args[0])
	if err != nil {
		return err
	}
	return e.print(e.engine.Optimizer.OptimizeContext(record, app.OptimizeOptions(e.cfg)))
}

func runExport(ctx context.Context, e *env, args []string) error {
	record, err := loadRecord(ctx, e, args[0])
	if err != nil {
		return err
	}
	return e.print(record)
}

func runImport(ctx context.Context, e *env, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	// YAML 是 JSON 的超集，两种导出格式都先解析成通用结构再按 JSON 解码
	var plain any
	if err := yaml.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	var record history.HistoryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if record.Key == "" {
		return errors.New("record has no key")
	}

	var opts []history.SaveOption
	if record.SourceURL != "" {
		opts = append(opts, history.WithSourceURL(record.SourceURL))
	}
	res := e.engine.Store.Save(ctx, record.Key, record.Messages, record.SubjectInfo, record.OwnerInfo, opts...)
	if !res.Success {
		return fmt.Errorf("%s (%w)", res.Message(), res.Err)
	}
	fmt.Fprintf(e.out, "imported %s (%d messages)\n", record.Key, len(record.Messages))
	return nil
}

func runContext(ctx context.Context, e *env, args []string) error {
	record, _ := e.engine.Store.LoadRecord(ctx, args[0])
	prepared := e.engine.Optimizer.PrepareOptimizedContext(record, args[1], e.opts.subject)
	fmt.Fprintln(e.out, prepared.Context)
	fmt.Fprintf(e.out, "\n# estimated tokens: %d\n", prepared.EstimatedTokens)
	return nil
}

func runClear(ctx context.Context, e *env, args []string) error {
	if !e.engine.Store.Clear(ctx, args[0]) {
		return fmt.Errorf("failed to clear %q", args[0])
	}
	fmt.Fprintf(e.out, "cleared %s\n", args[0])
	return nil
}

func runClearAll(ctx context.Context, e *env, _ []string) error {
	if !e.opts.yes {
		return fmt.Errorf("%w: clear-all deletes every conversation; pass --yes to confirm", errUsage)
	}
	if !e.engine.Store.ClearAll(ctx) {
		return errors.New("failed to clear all conversations")
	}
	fmt.Fprintln(e.out, "cleared all conversations")
	return nil
}

func runCleanup(ctx context.Context, e *env, _ []string) error {
	run := e.engine.Store.RunSmartCleanup
	if e.opts.emergency {
		run = e.engine.Store.RunEmergencyCleanup
	}
	res, err := run(ctx)
	if err != nil {
		return err
	}
	return e.print(res)
}
