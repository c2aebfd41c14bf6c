package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-shellwords"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/walcheck/walcheck"
)

// Version is set via the linker at release time.
var Version = "(development build)"

func main() {
	log.SetFlags(0)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-signalCh
		cancel()
	}()

	m := NewMain()
	if err := m.ParseFlags(ctx, os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	result, err := m.Run(ctx)
	if e := m.Close(); err == nil {
		err = e
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if result.HasIssues() {
		os.Exit(2)
	}
}

// Main represents the command line program.
type Main struct {
	Config Config

	DatabasePath string
	WALPath      string

	MetricsServer *MetricsServer
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{Config: NewConfig()}
}

// ParseFlags parses the command line flags & config file.
func (m *Main) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("walcheck", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("trace", false, "write trace log to stdout")
	version := fs.Bool("version", false, "print version & exit")
	fs.BoolVar(version, "V", false, "")

	var database, wal string
	fs.StringVar(&database, "database", "", "path to the SQLite database file")
	fs.StringVar(&database, "d", "", "")
	fs.StringVar(&wal, "wal", "", "path to the WAL file (defaults to <database>-wal)")
	fs.StringVar(&wal, "w", "", "")

	checkIndexes := fs.Bool("check-indexes", false, "also check index B-trees (experimental)")

	fs.Usage = func() {
		fmt.Println(`
walcheck validates a SQLite database & WAL for duplicate rowids and index keys.

Usage:

	walcheck -d DATABASE [-w WAL] [options]

Arguments:`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	if *version {
		fmt.Printf("walcheck %s\n", Version)
		os.Exit(0)
	}

	if err := m.parseConfig(ctx, *configPath, !*noExpandEnv); err != nil {
		return err
	}

	if database == "" {
		return fmt.Errorf("database path required")
	}
	m.DatabasePath = database

	m.WALPath = wal
	if m.WALPath == "" {
		m.WALPath = database + "-wal"
	}

	if *checkIndexes {
		m.Config.CheckIndexes = true
	}

	// The config settings specify a rolling on-disk trace log whereas the
	// CLI flag specifies output to stdout.
	var tw io.Writer
	if m.Config.Tracing.Path != "" {
		log.Printf("trace log enabled: %s", m.Config.Tracing.Path)
		tw = &lumberjack.Logger{
			Filename:   m.Config.Tracing.Path,
			MaxSize:    m.Config.Tracing.MaxSize,
			MaxBackups: m.Config.Tracing.MaxCount,
			Compress:   m.Config.Tracing.Compress,
		}
	}
	if *tracing {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		walcheck.TraceLog.SetOutput(tw)
	}

	return nil
}

// parseConfig reads the configuration file from configPath, if specified.
// Otherwise searches the standard list of search paths. A missing config
// file is not an error; the defaults stand.
func (m *Main) parseConfig(ctx context.Context, configPath string, expandEnv bool) error {
	if configPath != "" {
		return ReadConfigFile(&m.Config, configPath, expandEnv)
	}

	for _, path := range configSearchPaths() {
		path, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		if err := ReadConfigFile(&m.Config, path, expandEnv); err == nil {
			log.Printf("config file read from %s", path)
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}
	}
	return nil
}

// Close cleans up the process's long-lived resources.
func (m *Main) Close() (err error) {
	if m.MetricsServer != nil {
		if e := m.MetricsServer.Close(); err == nil {
			err = e
		}
	}
	return err
}

// Run executes the validation and renders the report to stdout.
func (m *Main) Run(ctx context.Context) (*walcheck.Result, error) {
	if m.Config.Metrics.Addr != "" {
		server := NewMetricsServer(m.Config.Metrics.Addr)
		if err := server.Listen(); err != nil {
			return nil, fmt.Errorf("cannot open metrics server: %w", err)
		}
		server.Serve()
		log.Printf("metrics server listening on: %s", server.URL())
		m.MetricsServer = server
	}

	checker := walcheck.NewChecker(m.DatabasePath, m.WALPath)
	checker.Config.CheckIndexes = m.Config.CheckIndexes
	checker.Config.MaxDepth = m.Config.MaxDepth

	result, err := checker.Run(ctx)
	if err != nil {
		return nil, err
	}

	walcheck.WriteReportHeader(os.Stdout, m.DatabasePath, m.WALPath, result.PageSize)
	for i := range result.Issues {
		walcheck.WriteIssue(os.Stdout, &result.Issues[i])
	}
	walcheck.WriteSummary(os.Stdout, result.Issues, result.Commits)

	if err := m.execCmd(ctx, result); err != nil {
		return nil, fmt.Errorf("cannot exec: %w", err)
	}

	return result, nil
}

// execCmd runs the configured hook command, if any, with the issue count in
// its environment. Useful for paging out of cron sweeps.
func (m *Main) execCmd(ctx context.Context, result *walcheck.Result) error {
	if m.Config.Exec == "" {
		return nil
	}

	args, err := shellwords.Parse(m.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	}

	log.Printf("starting hook: %s %v", args[0], args[1:])

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("WALCHECK_ISSUES=%d", len(result.Issues)),
		fmt.Sprintf("WALCHECK_COMMITS=%d", result.Commits),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
