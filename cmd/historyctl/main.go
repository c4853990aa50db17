// historyctl 直接操作会话历史存储的运维工具
//
// 与服务进程读取同一份配置，可用于查看用量、导出/导入单个会话、
// 手动触发清理，以及预览发送给模型的提示词。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"contextcache/internal/app"
	"contextcache/internal/config"

	"github.com/spf13/pflag"
)

// errUsage 参数错误，退出码 2
var errUsage = errors.New("usage error")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	format     string
	emergency  bool
	yes        bool
	subject    string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("historyctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "config file (default: config/$APP_ENV.yaml)")
	flagSet.StringVarP(&opts.format, "format", "o", "yaml", "output format: yaml or json")
	flagSet.BoolVar(&opts.emergency, "emergency", false, "cleanup: evict the least recently used half")
	flagSet.BoolVarP(&opts.yes, "yes", "y", false, "clear-all: skip confirmation")
	flagSet.StringVar(&opts.subject, "subject", "", "context: subject body to include in the prompt")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(stderr, flagSet)
		return nil
	}
	if opts.format != "yaml" && opts.format != "json" {
		return fmt.Errorf("%w: unknown format %q", errUsage, opts.format)
	}

	cmd, ok := commands[flagSet.Arg(0)]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, flagSet.Arg(0))
	}
	rest := flagSet.Args()[1:]
	if len(rest) < cmd.minArgs {
		return fmt.Errorf("%w: %s requires %d argument(s): %s", errUsage, flagSet.Arg(0), cmd.minArgs, cmd.usage)
	}

	if _, err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(stderr, err)
	}
	cfg, err := config.Load(config.AppEnv(), opts.configPath)
	if err != nil {
		return err
	}

	engine, err := app.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	return cmd.run(ctx, &env{
		engine: engine,
		cfg:    cfg,
		opts:   opts,
		out:    stdout,
	}, rest)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `historyctl: inspect and maintain stored conversation histories.

Usage:
  historyctl [flags] <command> [args]

Commands:
`)
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}
