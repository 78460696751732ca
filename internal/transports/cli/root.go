package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"apqcapture/internal/apq"
	"apqcapture/internal/app"
	"apqcapture/internal/config"
	"apqcapture/internal/core"
	"apqcapture/internal/transports/common"
	"apqcapture/pkg/logger"
)

const actionTimeout = 5 * time.Second

type globals struct {
	configPath string
	envFile    string
	subject    string
}

// New создает корневую CLI-команду.
func New(version string) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "apqcapture",
		Short:        "Перехват persisted queries GraphQL",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "путь к YAML-конфигу")
	pf.StringVar(&g.envFile, "env-file", ".env", "файл с переменными окружения")
	pf.StringVar(&g.subject, "subject", "local", "идентификатор субъекта для авторизации")

	root.AddCommand(
		newVersionCmd(version),
		newServeCmd(g),
		newHashCmd(g),
		newQueriesCmd(g),
		newSwitchCmd(g, "enable", "Включить перехват", true),
		newSwitchCmd(g, "disable", "Выключить перехват", false),
		newStatusCmd(g),
		newSendCmd(g),
	)
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func (g *globals) open(cmd *cobra.Command) (*app.App, error) {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lg := logger.NewWriter(cmd.ErrOrStderr(), cfg.Agent.LogLevel)
	return app.NewApp(cmd.Context(), cfg, lg)
}

// run выполняет действие через общий пайплайн транспорта и печатает ответ.
func (g *globals) run(cmd *cobra.Command, req core.Request) error {
	a, err := g.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), actionTimeout)
	defer cancel()
	resp, err := a.Service("cli").Execute(ctx, g.subject, "", req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить включенные транспорты: web, proxy, browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

func newHashCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Управление отслеживаемыми хешами",
	}
	var force bool
	add := &cobra.Command{
		Use:   "add <sha256>",
		Short: "Начать отслеживать хеш",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := strings.TrimSpace(args[0])
			if !force && !apq.ValidHash(h) {
				return fmt.Errorf("%q is not a sha256 hex digest (use --force to add anyway)", h)
			}
			return g.run(cmd, core.Request{Action: core.ActionAddHash, Hash: h})
		},
	}
	add.Flags().BoolVar(&force, "force", false, "не проверять формат хеша")

	cmd.AddCommand(
		add,
		&cobra.Command{
			Use:   "remove <sha256>",
			Short: "Перестать отслеживать хеш; история сохраняется",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.run(cmd, core.Request{Action: core.ActionRemoveHash, Hash: strings.TrimSpace(args[0])})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Показать отслеживаемые хеши",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.run(cmd, core.Request{Action: core.ActionGetTrackedHashes})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Очистить хеши и историю",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.run(cmd, core.Request{Action: core.ActionClearHashes})
			},
		},
	)
	return cmd
}

func newQueriesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queries",
		Short: "История перехваченных запросов",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Показать историю",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.run(cmd, core.Request{Action: core.ActionGetCapturedQueries})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Очистить историю; хеши остаются",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.run(cmd, core.Request{Action: core.ActionClearQueries})
			},
		},
		newWatchCmd(g),
	)
	return cmd
}

// newWatchCmd печатает историю при каждом изменении, включая захваты
// других процессов.
func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Следить за историей",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			subject := core.Subject{Source: "cli", ID: g.subject}
			if err := a.Authorizer.Authorize(subject, core.ActionGetCapturedQueries); err != nil {
				return fmt.Errorf("%w: %v", common.ErrAccessDenied, err)
			}
			updates, err := a.Store.WatchQueries(ctx)
			if err != nil {
				return err
			}
			for queries := range updates {
				if err := printJSON(cmd.OutOrStdout(), queries); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSwitchCmd(g *globals, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := enabled
			return g.run(cmd, core.Request{Action: core.ActionSetEnabled, Enabled: &v})
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Показать состояние хранилища и узла",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, core.Request{Action: core.ActionGetStatus})
		},
	}
}

func newSendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <action> [arg]",
		Short: "Отправить сообщение-действие в текстовом виде",
		Example: "  apqcapture send getTrackedHashes\n" +
			"  apqcapture send setEnabled off",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), actionTimeout)
			defer cancel()
			resp, err := a.Service("cli").ExecuteText(ctx, g.subject, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
