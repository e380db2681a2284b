package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schema-retriever/internal/adapter"
	"schema-retriever/internal/analyzer"
	"schema-retriever/internal/app"
	"schema-retriever/internal/config"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/pipeline"
	"schema-retriever/internal/renderer"
)

// cli 子命令共享的配置与日志
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:          "text2sql",
		Short:        "基于 schema 图谱的 Text-to-SQL 检索工具",
		Long:         "扫描数据库构建 schema 图谱，按问题检索并剪枝相关表结构，调用大模型生成 SQL",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("TEXT2SQL_CONFIG"), "配置文件路径，为空时只读环境变量")

	rootCmd.AddCommand(c.scanCmd(), c.linkCmd(), c.askCmd(), c.dictCmd())
	return rootCmd
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	c.cfg, c.logger = cfg, logger
	return nil
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		driver, dsn, schema, output, report string
		inferRelations, verify, noValues    bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "扫描数据库并输出图谱文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := c.cfg.Database
			if cmd.Flags().Changed("driver") {
				db.Driver = driver
			}
			if dsn != "" {
				db.DSN = dsn
			}
			if cmd.Flags().Changed("schema") {
				db.Schema = schema
			}
			if db.DSN == "" {
				return fmt.Errorf("连接字符串为空：使用 --dsn 或设置环境变量 DB_DSN")
			}
			if output == "" {
				output = c.cfg.Graph.Path
			}

			opts := c.cfg.AnalyzerOptions()
			if cmd.Flags().Changed("infer-relations") {
				opts.InferRelations = inferRelations
			}
			if cmd.Flags().Changed("verify-containment") {
				opts.Relations.VerifyContainment = verify
			}
			if noValues {
				opts.SampleValues = false
			}
			return c.runScan(cmd, db, opts, output, report)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "数据库类型 (mysql/sqlserver/postgres)，默认取配置")
	cmd.Flags().StringVar(&dsn, "dsn", "", "连接字符串，默认取环境变量 DB_DSN")
	cmd.Flags().StringVar(&schema, "schema", "", "数据库 schema")
	cmd.Flags().StringVarP(&output, "output", "o", "", "图谱输出文件 (.json/.yaml)，默认取配置 graph.path")
	cmd.Flags().StringVar(&report, "report", "", "扫描报告输出文件 (JSON)")
	cmd.Flags().BoolVar(&inferRelations, "infer-relations", false, "推断未声明的外键")
	cmd.Flags().BoolVar(&verify, "verify-containment", false, "推断外键时采样验证值包含")
	cmd.Flags().BoolVar(&noValues, "no-sample-values", false, "不采样低基数列的取值")
	return cmd
}

func (c *cli) runScan(cmd *cobra.Command, db config.DatabaseConfig, opts analyzer.Options, output, reportPath string) error {
	ctx := cmd.Context()
	c.logger.Info("connecting database",
		zap.String("driver", db.Driver),
		zap.String("dsn", db.RedactedDSN()),
		zap.String("schema", db.Schema))

	dba, err := adapter.Open(ctx, db.Driver, db.DSN, db.Schema)
	if err != nil {
		return err
	}
	defer dba.Close()

	doc, report, err := analyzer.New(dba, opts, c.logger).Analyze(ctx)
	if err != nil {
		return err
	}

	// 概念与同义词文件在加载时合并，这里只校验能否挂到新图谱上
	check := *doc
	check.Concepts = append([]graph.ConceptSpec(nil), doc.Concepts...)
	check.Synonyms = append([][]string(nil), doc.Synonyms...)
	if err := app.MergeSemantics(&check, c.cfg.Graph); err != nil {
		return err
	}
	if _, err := check.Build(); err != nil {
		return fmt.Errorf("validate graph: %w", err)
	}

	if err := graph.WriteDocument(output, doc); err != nil {
		return err
	}
	if reportPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(reportPath, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s: %d 个表, %d 列, %d 个声明外键, %d 个推断外键, %d 个枚举表, %d 个采样值\n",
		report.Dialect, report.Tables, report.Columns, report.Declared, len(report.Inferred), len(report.Enums), report.Values)
	for _, d := range report.Discarded {
		fmt.Fprintf(out, "  - 忽略外键 %s\n", d)
	}
	fmt.Fprintf(out, "✓ %s\n", output)
	return nil
}

func (c *cli) linkCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "link QUESTION",
		Short: "只做实体链接、子图检索与剪枝，输出相关表结构",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rd renderer.Renderer
			if format != "json" {
				var err error
				if rd, err = renderer.ByFormat(format); err != nil {
					return err
				}
			}

			a, err := app.New(c.cfg, c.logger)
			if err != nil {
				return err
			}
			l, err := a.Service.Link(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rd == nil {
				return writeJSON(cmd, l)
			}
			fmt.Fprint(cmd.OutOrStdout(), rd.Render(l.Schema))
			if sv := l.Savings; sv != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "-- %d/%d 张表, %d/%d 字节, 节省 %.2f%%\n",
					sv.PrunedTables, sv.OriginalTables, sv.PrunedBytes, sv.OriginalBytes, sv.SavedPercent)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ddl", "输出格式 (json/ddl/markdown/mermaid)")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	var asJSON, verbose bool
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "把问题翻译成 SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(c.cfg, c.logger)
			if err != nil {
				return err
			}

			var opts []pipeline.AskOption
			if verbose {
				opts = append(opts, pipeline.Observe(func(e pipeline.Event) {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %-10s %8s  %d\n", e.Stage, e.Elapsed.Round(time.Microsecond), e.Count)
				}))
			}
			resp, err := a.Service.Ask(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Answer.SQL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出完整结果 (JSON)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "打印各阶段耗时")
	return cmd
}

func (c *cli) dictCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "导出完整图谱的数据字典或 ER 图",
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := renderer.ByFormat(format)
			if err != nil {
				return err
			}
			a, err := app.New(c.cfg, c.logger)
			if err != nil {
				return err
			}
			s, err := a.Dictionary()
			if err != nil {
				return err
			}

			text := rd.Render(s)
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "输出格式 (ddl/markdown/mermaid)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "输出文件，默认标准输出")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
