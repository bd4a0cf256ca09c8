package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scentsmart/internal/config"
	"scentsmart/internal/monitor"
	"scentsmart/internal/report"
	"scentsmart/internal/scoring"
	"scentsmart/internal/training"
)

var trainCmd = &cobra.Command{
	Use:   "train smell|identification",
	Short: "Run smell or identification training interactively",
	Long: `Smell training offers the plan's training scents. Pick one by number,
smell it, then rate it from 0.1 to 10 (r smells it again, b goes back).

Identification training walks through the plan's scenes. Each scene with a
scent releases it; check a choice by number, enter moves on, r repeats the
scene.

q quits either routine. Every finished step is written to the report sinks.`,
	Example:   `  scentctl train smell --simulate --subject P017`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(training.KindSmell), string(training.KindIdentification)},
	RunE:      runTraining,
}

func init() {
	trainCmd.Flags().StringVar(&subject, "subject", "", "subject identifier stored in the report")
	rootCmd.AddCommand(trainCmd)
}

func runTraining(cmd *cobra.Command, args []string) error {
	kind := training.Kind(args[0])
	if kind != training.KindSmell && kind != training.KindIdentification {
		return fmt.Errorf("unknown training %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := config.LoadPlan(planFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := openDevice(cfg, monitor.NewMetrics())
	if err != nil {
		return err
	}
	defer dev.Disconnect()
	go drainReplies(ctx, dev)
	if err := dev.SetFrequency(cfg.Device.PWMFrequency); err != nil {
		return err
	}

	tr := training.New(dev)
	ts := &trainSession{in: &lineInput{lines: readLines(cmd.InOrStdin())}, out: cmd.OutOrStdout()}
	switch kind {
	case training.KindSmell:
		var s *training.Smell
		if s, err = cfg.Smell(tr, plan); err == nil {
			err = ts.smell(ctx, s)
		}
	case training.KindIdentification:
		var sc *training.Scenes
		if sc, err = cfg.Scenes(tr, plan); err == nil {
			err = ts.scenes(ctx, sc)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return err
	}

	recs := tr.Records()
	fmt.Fprintf(ts.out, "%s training: %d steps recorded\n", kind, len(recs))
	if len(recs) == 0 {
		return nil
	}

	id := uuid.New()
	fan := &report.Fanout{}
	closeSinks := addSinks(ctx, cfg, fan, id)
	defer closeSinks()
	rep := report.New(id, subject, scoring.NewSession())
	rep.Training = recs

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fan.Write(wctx, rep); err != nil {
		log.Warn().Err(err).Msg("report not written to every sink")
	}
	return nil
}

// lineInput reads operator lines and holds the ones typed while an emission
// is running.
type lineInput struct {
	lines  <-chan string
	closed bool
	held   []string
}

func (in *lineInput) next(ctx context.Context) (string, error) {
	if len(in.held) > 0 {
		l := in.held[0]
		in.held = in.held[1:]
		return l, nil
	}
	if in.closed {
		return "", io.EOF
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-in.lines:
		if !ok {
			in.closed = true
			return "", io.EOF
		}
		return l, nil
	}
}

// during runs emit while reading input: q cancels it and reports quit, any
// other line is held for next.
func (in *lineInput) during(ctx context.Context, emit func(context.Context) error) (bool, error) {
	ectx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- emit(ectx) }()

	for {
		var lines <-chan string
		if !in.closed {
			lines = in.lines
		}
		select {
		case err := <-done:
			return false, err
		case l, ok := <-lines:
			if !ok {
				in.closed = true
				continue
			}
			if normalize(l) == "q" {
				cancel()
				<-done
				return true, nil
			}
			in.held = append(in.held, l)
		}
	}
}

type trainSession struct {
	in  *lineInput
	out io.Writer
}

func (ts *trainSession) smell(ctx context.Context, s *training.Smell) error {
	fmt.Fprintln(ts.out, "== smell training ==")
	scents := s.Scents()
	for {
		var b strings.Builder
		b.WriteString("choose a scent:")
		for i, sc := range scents {
			fmt.Fprintf(&b, "  %d) %s", i+1, sc.Name)
		}
		b.WriteString("  (q to quit)")
		fmt.Fprintln(ts.out, b.String())

		line, err := ts.in.next(ctx)
		if err != nil {
			return err
		}
		in := normalize(line)
		if in == "q" {
			return nil
		}
		choice, err := strconv.Atoi(in)
		if err != nil || choice < 1 || choice > len(scents) {
			fmt.Fprintf(ts.out, "  unknown scent %q\n", line)
			continue
		}
		quit, err := ts.smellOne(ctx, s, choice, scents[choice-1].Name)
		if err != nil || quit {
			return err
		}
	}
}

// smellOne presents one scent until it is rated, or the operator goes back
// or quits.
func (ts *trainSession) smellOne(ctx context.Context, s *training.Smell, choice int, name string) (bool, error) {
present:
	for {
		fmt.Fprintf(ts.out, "  releasing %s...\n", name)
		quit, err := ts.in.during(ctx, func(ctx context.Context) error { return s.Present(ctx, choice) })
		if quit || err != nil {
			return quit, err
		}
		for {
			fmt.Fprintf(ts.out, "  rate %s from 0.1 to 10, r to smell again, b to go back, q to quit\n", name)
			line, err := ts.in.next(ctx)
			if err != nil {
				return false, err
			}
			switch in := normalize(line); in {
			case "q":
				return true, nil
			case "b":
				return false, nil
			case "r":
				continue present
			default:
				v, err := strconv.ParseFloat(in, 64)
				if err != nil {
					fmt.Fprintf(ts.out, "  unknown input %q\n", line)
					continue
				}
				rec, err := s.Rate(choice, int(math.Round(v*10)))
				if err != nil {
					fmt.Fprintf(ts.out, "  %v\n", err)
					continue
				}
				fmt.Fprintf(ts.out, "  recorded %s: %.1f\n", rec.Name, float64(rec.Rating)/10)
				return false, nil
			}
		}
	}
}

func (ts *trainSession) scenes(ctx context.Context, sc *training.Scenes) error {
	fmt.Fprintln(ts.out, "== identification training ==")
	for i := 0; i < sc.Len(); {
		scene, err := sc.Scene(i)
		if err != nil {
			return err
		}
		if scene.Scent > 0 {
			fmt.Fprintf(ts.out, "  releasing scene %d...\n", i+1)
		}
		quit, err := ts.in.during(ctx, func(ctx context.Context) error { return sc.Show(ctx, i) })
		if quit || err != nil {
			return err
		}

		next, err := ts.sceneInput(ctx, sc, i, scene)
		if err != nil || next < 0 {
			return err
		}
		i = next
	}
	fmt.Fprintln(ts.out, "identification training finished")
	return nil
}

// sceneInput handles input for scene i and returns the scene to show next,
// or -1 when the operator quits.
func (ts *trainSession) sceneInput(ctx context.Context, sc *training.Scenes, i int, scene training.Scene) (int, error) {
	checked := 0
	for {
		var b strings.Builder
		fmt.Fprintf(&b, "[scene %d/%d] %s", i+1, sc.Len(), scene.Text)
		for n, c := range scene.Choices {
			mark := " "
			if checked == n+1 {
				mark = "x"
			}
			fmt.Fprintf(&b, "  [%s] %d) %s", mark, n+1, c)
		}
		fmt.Fprintln(ts.out, b.String())

		line, err := ts.in.next(ctx)
		if err != nil {
			return -1, err
		}
		switch in := normalize(line); in {
		case "", "n":
			if _, err := sc.Finish(i, checked); err != nil {
				return -1, err
			}
			return i + 1, nil
		case "r":
			return i, nil
		case "q":
			return -1, nil
		default:
			n, err := strconv.Atoi(in)
			if err != nil || n < 1 || n > len(scene.Choices) {
				fmt.Fprintf(ts.out, "  unknown input %q\n", line)
				continue
			}
			if checked == n {
				checked = 0
			} else {
				checked = n
			}
		}
	}
}
