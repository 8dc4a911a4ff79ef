package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/config"
	"github.com/sdejongh/vcsreconcile/pkg/logging"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/output"
	"github.com/sdejongh/vcsreconcile/pkg/ratelimit"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
	"github.com/sdejongh/vcsreconcile/pkg/vcs/localserver"
)

// serverDBName is the default database file inside the metadata directory
const serverDBName = "server.db"

// session holds everything a workspace command needs, from the lock to the report
type session struct {
	cfg         *config.Config
	root        string
	interactive bool

	lock     *storage.WorkspaceLock
	logger   logging.Logger
	server   *localserver.Server
	backend  *storage.Local
	executor *apply.Executor
	guard    apply.Guard
	decider  apply.Decider

	out       io.Writer
	formatter output.Formatter
	report    *models.Report
}

// loadConfig loads the configuration and applies the global flags on top of it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.ConfigFile)
	if err != nil {
		return nil, err
	}

	if globalFlags.Output != "" {
		cfg.Output.Format = globalFlags.Output
	}
	if globalFlags.Quiet {
		cfg.Output.Quiet = true
	}
	if globalFlags.Workspace != "" {
		cfg.Workspace.Root = globalFlags.Workspace
	}
	if globalFlags.ServerDB != "" {
		cfg.Workspace.ServerDB = globalFlags.ServerDB
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// workspaceRoot returns the absolute workspace root
func workspaceRoot(cfg *config.Config) (string, error) {
	root := cfg.Workspace.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if err := platform.ValidatePath(root); err != nil {
		return "", err
	}
	return root, nil
}

// openSession locks the workspace and wires the server, executor and output for command
func openSession(command string) (_ *session, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	root, err := workspaceRoot(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:         cfg,
		root:        root,
		interactive: isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
		decider:     promptDecider{},
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.lock, err = storage.LockWorkspace(root)
	if err != nil {
		return nil, err
	}

	s.logger, err = createLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	bandwidth, err := ratelimit.ParseBandwidth(cfg.Download.BandwidthLimit)
	if err != nil {
		return nil, err
	}
	downloader := vcs.NewHTTPDownloader(vcs.DownloaderOptions{
		Timeout: cfg.Download.Timeout,
		Retries: cfg.Download.Retries,
		Limiter: ratelimit.NewLimiter(bandwidth),
	})

	dbPath := cfg.Workspace.ServerDB
	if dbPath == "" {
		dbPath = filepath.Join(root, storage.MetadataDir, serverDBName)
	}
	s.server, err = localserver.Open(localserver.Options{
		DBPath:     dbPath,
		ServerRoot: cfg.Workspace.ServerRoot,
		LocalRoot:  root,
		Downloader: downloader,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open server: %w", err)
	}

	s.backend, err = storage.NewLocal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace backend: %w", err)
	}
	s.executor = apply.NewExecutor(s.backend, s.server, s.logger)

	s.guard, err = s.newGuard()
	if err != nil {
		return nil, err
	}

	s.out = os.Stdout
	if cfg.Output.Quiet {
		s.out = io.Discard
	}
	progress := cfg.Output.Progress && isatty.IsTerminal(os.Stdout.Fd())
	s.formatter = output.New(cfg.Output.Format, progress)
	if err := s.formatter.Start(s.out, command, 0); err != nil {
		return nil, err
	}

	s.report = &models.Report{
		BatchID:   uuid.NewString(),
		Command:   command,
		Workspace: root,
		StartTime: time.Now(),
		Files:     models.NewUpdatedFiles(),
	}

	s.logger.Info(context.Background(), "Session started", logging.Fields{
		"command":   command,
		"workspace": root,
		"batch_id":  s.report.BatchID,
	})
	return s, nil
}

// newGuard builds the local-conflict guard. Asking falls back to reporting when nobody can
// answer.
func (s *session) newGuard() (apply.Guard, error) {
	policy, err := apply.ParsePolicy(s.cfg.Apply.LocalConflictPolicy)
	if err != nil {
		return nil, err
	}
	if policy == apply.PolicyAsk && !s.interactive {
		policy = apply.PolicyReport
	}
	return apply.NewGuard(policy, s.server, s.decider)
}

// applyProgress forwards executor progress to the formatter
func (s *session) applyProgress(index, total int, op models.Operation) {
	s.formatter.Progress(output.ProgressUpdate{Index: index, Total: total, Path: op.Path(), Step: "apply"})
}

// finish completes the report, prints it and exits with the status code
func (s *session) finish(succeeded int) error {
	s.report.Finish(succeeded)
	if err := s.formatter.Complete(s.report); err != nil {
		s.close()
		return err
	}

	s.logger.Info(context.Background(), "Session finished", logging.Fields{
		"command":  s.report.Command,
		"status":   string(s.report.Status),
		"duration": s.report.Duration.String(),
	})

	code := s.report.Status.ExitCode()
	s.close()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func (s *session) close() {
	if s.server != nil {
		s.server.Close()
	}
	if s.backend != nil {
		s.backend.Close()
	}
	if s.logger != nil {
		s.logger.Close()
	}
	s.lock.Unlock()
}

// createLogger builds the logger from configuration: a console logger for --verbose, a file
// logger when logging is enabled, both when both apply
func createLogger(cfg *config.Config) (logging.Logger, error) {
	var loggers logging.MultiLogger

	if globalFlags.Verbose {
		loggers = append(loggers, logging.NewConsoleLogger(os.Stderr, logging.DebugLevel))
	}

	if cfg.Logging.Enabled {
		level := logging.ParseLevel(cfg.Logging.Level)
		if cfg.Logging.File == "" {
			if !globalFlags.Verbose {
				loggers = append(loggers, logging.NewConsoleLogger(os.Stderr, level))
			}
		} else {
			format := logging.FormatText
			if cfg.Logging.Format == "json" {
				format = logging.FormatJSON
			}
			fileLogger, err := logging.NewFileLogger(logging.FileLoggerConfig{
				Path:       cfg.Logging.File,
				Format:     format,
				Level:      level,
				MaxSize:    10 * 1024 * 1024, // 10 MB
				MaxBackups: 5,
			})
			if err != nil {
				return nil, err
			}
			loggers = append(loggers, fileLogger)
		}
	}

	switch len(loggers) {
	case 0:
		return logging.NewNullLogger(), nil
	case 1:
		return loggers[0], nil
	}
	return loggers, nil
}

// absPaths resolves command arguments against the current directory
func absPaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid path %s: %w", arg, err)
		}
		paths = append(paths, abs)
	}
	return paths, nil
}
