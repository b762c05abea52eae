package cli

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/recognizer"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

func (a *app) alphabetsCommand() *cobra.Command {
	var (
		tags    []string
		symbols bool
		names   bool
	)
	cmd := &cobra.Command{
		Use:   "alphabets [NAME...]",
		Short: "List all or selected alphabets",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.load(cmd.Context(), a.cfg.Storage)
			if err != nil {
				return err
			}
			type listed struct {
				recognizer.AlphabetInfo `yaml:",inline"`
				Symbols                 []recognizer.SymbolInfo `json:"symbol_list,omitempty" yaml:"symbol_list,omitempty"`
			}
			var out []listed
			for _, info := range svc.Alphabets() {
				if len(args) > 0 && !slices.Contains(args, info.Name) && !slices.Contains(args, info.Handle) {
					continue
				}
				if len(tags) > 0 && !slices.Contains(tags, info.Tag) {
					continue
				}
				item := listed{AlphabetInfo: info}
				if symbols {
					if item.Symbols, err = svc.Symbols(cmd.Context(), info.ID); err != nil {
						return err
					}
				}
				out = append(out, item)
			}

			if names {
				seen := map[string]bool{}
				var unique []string
				for _, l := range out {
					if !seen[l.Name] {
						seen[l.Name] = true
						unique = append(unique, l.Name)
					}
				}
				sort.Strings(unique)
				for _, n := range unique {
					fmt.Fprintln(a.out, n)
				}
				return nil
			}

			return a.emit(out, func(w io.Writer) {
				tag := ""
				for _, l := range out {
					if l.Tag != tag {
						tag = l.Tag
						fmt.Fprintf(w, "# %s alphabets\n", tag)
					}
					fmt.Fprintf(w, "%s (%s): %d symbols, %d trained\n", l.Name, l.ID, l.AlphabetInfo.Symbols, l.Trained)
					for _, s := range l.Symbols {
						fmt.Fprintf(w, "  %s\n", prettySymbol(s))
					}
				}
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "filter alphabets by tag")
	cmd.Flags().BoolVarP(&symbols, "symbols", "s", false, "list symbols as well")
	cmd.Flags().BoolVarP(&names, "names", "n", false, "list unique names only")
	return cmd
}

func (a *app) symbolsCommand() *cobra.Command {
	var names, meanings bool
	cmd := &cobra.Command{
		Use:   "symbols [ALPHABET]",
		Short: "List symbols of an alphabet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, abc, err := a.service(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			syms, err := svc.Symbols(cmd.Context(), abc)
			if err != nil {
				return err
			}
			if names || meanings {
				for _, s := range syms {
					if names {
						fmt.Fprintln(a.out, s.Name)
					} else {
						fmt.Fprintln(a.out, s.Meaning)
					}
				}
				return nil
			}
			return a.emit(syms, func(w io.Writer) {
				fmt.Fprintf(w, "# %d symbols\n", len(syms))
				for _, s := range syms {
					fmt.Fprintln(w, prettySymbol(s))
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&names, "names", "n", false, "list names only")
	cmd.Flags().BoolVarP(&meanings, "meanings", "m", false, "list meanings only")
	return cmd
}

func prettySymbol(s recognizer.SymbolInfo) string {
	state := "no model"
	if s.Ready {
		state = fmt.Sprintf("model: %d gauss", s.NGauss)
	}
	if s.Meaning == "" {
		return fmt.Sprintf("%s: %s", s.Name, state)
	}
	return fmt.Sprintf("%s (%s): %s", s.Name, s.Meaning, state)
}

func (a *app) drawingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drawings",
		Short: "Inspect drawings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list ALPHABET/SYMBOL",
		Short: "List the drawings of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abc, sym, ok := strings.Cut(args[0], "/")
			if !ok || sym == "" {
				return fmt.Errorf("%w: symbol must be given as ALPHABET/SYMBOL, got %q", apperrors.ErrInvalidInput, args[0])
			}
			svc, abc, err := a.service(cmd.Context(), abc)
			if err != nil {
				return err
			}
			ds, err := svc.Drawings(cmd.Context(), abc, sym)
			if err != nil {
				return err
			}
			a.printDrawings(ds)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show FILE...",
		Short: "Show drawing CSV files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := make([]*drawing.Drawing, 0, len(args))
			for _, path := range args {
				d, err := openDrawing(path, a.cfg.Model.PointsRange)
				if err != nil {
					return err
				}
				ds = append(ds, d)
			}
			a.printDrawings(ds)
			return nil
		},
	})
	return cmd
}

func (a *app) printDrawings(ds []*drawing.Drawing) {
	var points, curves int
	var bytes int64
	for _, d := range ds {
		points += d.NumPoints()
		curves += d.NumCurves()
		if size, err := d.FileSize(); err == nil {
			bytes += size
		}
		fmt.Fprintln(a.out, d.Pretty(true))
	}
	if len(ds) == 0 {
		return
	}
	n := float64(len(ds))
	fmt.Fprintf(a.out, "\naverage: %.1f points, %.1f curves, %d kB\n", float64(points)/n, float64(curves)/n, int(float64(bytes)/n/1024))
	fmt.Fprintf(a.out, "total: %d points, %d curves, %d kB, %d drawings\n", points, curves, bytes/1024, len(ds))
}

func openDrawing(path string, pointsRange float64) (*drawing.Drawing, error) {
	var opts []drawing.Option
	if pointsRange > 0 {
		opts = append(opts, drawing.WithPointsRange(pointsRange))
	}
	d := drawing.Open(path, opts...)
	if _, err := d.FileSize(); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDrawingNotFound, path)
	}
	if err := d.EnsureLoaded(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	return d, nil
}

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [ALPHABET]",
		Short: "Check an alphabet for confusable symbols",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, abc, err := a.service(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			report, err := svc.Check(cmd.Context(), abc)
			if err != nil {
				return err
			}
			return a.emit(report, func(w io.Writer) {
				fmt.Fprintf(w, "CHECK alphabet: %s\n", report.Alphabet)
				bySev := report.BySeverity()
				for _, sev := range []alphabet.Severity{alphabet.Error, alphabet.Warn} {
					for _, msg := range bySev[sev] {
						fmt.Fprintf(w, "%s: %s\n", strings.ToUpper(sev.String()), msg)
					}
				}
				if report.OK() {
					fmt.Fprintln(w, "OK: no issues found")
				}
			})
		},
	}
}

func (a *app) trainCommand() *cobra.Command {
	var (
		all    bool
		sym    string
		nGauss int
	)
	cmd := &cobra.Command{
		Use:   "train [ALPHABET]",
		Short: "Train missing symbol models, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, abc, err := a.service(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			if sym != "" {
				res, err := svc.Train(cmd.Context(), abc, sym, nGauss)
				if err != nil {
					return err
				}
				return a.emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "TRAIN %s: %d gauss, score avg %.3f in %d ms\n", res.Symbol, res.NGauss, res.ScoreAvg, res.DurationMs)
				})
			}
			summary, err := svc.TrainAlphabet(cmd.Context(), abc, all)
			if err != nil {
				return err
			}
			return a.emit(summary, func(w io.Writer) {
				for _, line := range []struct {
					label string
					names []string
				}{{"TRAIN", summary.Trained}, {"FAIL", summary.Failed}, {"ORIG", summary.Kept}} {
					if len(line.names) > 0 {
						fmt.Fprintf(w, "%s %d symbol models: %s\n", line.label, len(line.names), strings.Join(line.names, ", "))
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "retrain every model, not only missing ones")
	cmd.Flags().StringVarP(&sym, "symbol", "s", "", "train one symbol only")
	cmd.Flags().IntVarP(&nGauss, "n-gauss", "g", 0, "component count for --symbol (0 keeps the configured one)")
	return cmd
}

func (a *app) recognizeCommand() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "recognize ALPHABET FILE",
		Short: "Recognize a drawing CSV file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDrawing(args[1], a.cfg.Model.PointsRange)
			if err != nil {
				return err
			}
			svc, abc, err := a.service(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if top > 0 {
				matches, err := svc.Scores(cmd.Context(), abc, d.Curves(), top)
				if err != nil {
					return err
				}
				return a.emit(matches, func(w io.Writer) {
					for i, m := range matches {
						fmt.Fprintf(w, "%d. %s: %s\n", i+1, m.Symbol, model.Score(m.Score))
					}
				})
			}
			rec, err := svc.Recognize(cmd.Context(), abc, d.Curves())
			if err != nil {
				return err
			}
			return a.emit(rec, func(w io.Writer) {
				if !rec.Matched {
					fmt.Fprintf(w, "no symbol recognized, best score %s\n", model.Score(rec.Score))
					return
				}
				fmt.Fprintf(w, "%s: %s\n", rec.Symbol, model.Score(rec.Score))
			})
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 0, "list the top N scores instead")
	return cmd
}

func (a *app) flipYCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flip-y [ALPHABET]",
		Short: "Flip the Y axis of every drawing in an alphabet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, abc, err := a.service(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			n, err := svc.FlipY(cmd.Context(), abc)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "FLIP Y %d drawings\n", n)
			return nil
		},
	}
}

func (a *app) exportCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export [ALPHABET]",
		Short: "Export an alphabet as a zip archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, abc, err := a.service(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = a.cfg.Storage.ExportDir
			}
			path, err := svc.Export(cmd.Context(), abc, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "EXPORT %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: configured export dir)")
	return cmd
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.out, a.version)
			return nil
		},
	}
}
