// Package cli implements the texnomagic command line tool.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/catalog"
	"github.com/texnomagic/texnomagic/internal/recognizer"
	"github.com/texnomagic/texnomagic/pkg/config"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
	"github.com/texnomagic/texnomagic/pkg/logger"
)

// localTag is the source tag of an alphabet found from the working
// directory.
const localTag = "local"

type app struct {
	configPath string
	logLevel   string
	format     string
	version    string
	out        io.Writer
	errOut     io.Writer
	cfg        *config.Config
	// workDir overrides the working directory for alphabet detection.
	workDir string
}

// NewRootCommand builds the command tree. Output goes to out and logs and
// errors to errOut.
func NewRootCommand(version string, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&app{version: version, out: out, errOut: errOut})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "texnomagic",
		Short:         "Manage and recognize TexnoMagic gesture alphabets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to config file")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVarP(&a.format, "format", "f", "text", "output format (text, json, yaml)")

	root.AddCommand(
		a.alphabetsCommand(),
		a.symbolsCommand(),
		a.drawingsCommand(),
		a.checkCommand(),
		a.trainCommand(),
		a.recognizeCommand(),
		a.flipYCommand(),
		a.exportCommand(),
		a.versionCommand(),
	)
	return root
}

// Execute runs the tool and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	root := NewRootCommand(version, os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return apperrors.ExitCode(err)
	}
	return 0
}

func (a *app) setup() error {
	switch a.format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("%w: unknown output format %q", apperrors.ErrInvalidInput, a.format)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.SetupWriter(a.errOut, a.logLevel, "text")
	return nil
}

// service loads the configured alphabets and resolves abc. An empty abc
// selects the alphabet containing the working directory.
func (a *app) service(ctx context.Context, abc string) (*recognizer.Service, string, error) {
	storage := a.cfg.Storage
	if abc == "" {
		dir, err := a.findAlphabetDir()
		if err != nil {
			return nil, "", err
		}
		local, err := alphabet.Load(dir)
		if err != nil {
			return nil, "", err
		}
		storage.Sources = append([]config.Source{{Tag: localTag, Dir: filepath.Dir(dir)}}, storage.Sources...)
		abc = localTag + ":" + local.Handle()
	}
	svc, err := a.load(ctx, storage)
	if err != nil {
		return nil, "", err
	}
	return svc, abc, nil
}

func (a *app) load(ctx context.Context, storage config.StorageConfig) (*recognizer.Service, error) {
	svc := recognizer.New(catalog.FromConfig(storage, a.cfg.Model), a.cfg.Model, recognizer.WithVersion(a.version))
	if err := svc.Reload(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// findAlphabetDir walks up from the working directory to the first
// directory holding an alphabet info file.
func (a *app) findAlphabetDir() (string, error) {
	dir := a.workDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, alphabet.InfoFile)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no alphabet at the current path, select one by name", apperrors.ErrAlphabetNotFound)
		}
		dir = parent
	}
}

// emit writes v as JSON or YAML, or calls text for the text format.
func (a *app) emit(v any, text func(w io.Writer)) error {
	switch a.format {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(a.out)
		return nil
	}
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
