package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scentsmart/internal/config"
	"scentsmart/internal/device"
	"scentsmart/internal/engine"
	"scentsmart/internal/monitor"
	"scentsmart/internal/report"
	"scentsmart/internal/scoring"
	"scentsmart/internal/storage"
)

var subject string

var testKinds = map[string][]engine.Kind{
	"threshold":      {engine.KindThreshold},
	"discrimination": {engine.KindDiscrimination},
	"identification": {engine.KindIdentification},
	"all":            {engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification},
}

var runCmd = &cobra.Command{
	Use:   "run threshold|discrimination|identification|all",
	Short: "Run olfactory tests interactively",
	Long: `Runs one test, or all three in order, reading operator input from stdin:

  enter  present the next trial
  1..4   select a choice (again to clear)
  c      confirm the selection
  r      retry the current trial
  t      emit the familiarization scent (threshold only)
  q      quit the test

Scores are printed at the end and the session report is written to every
configured sink.`,
	Example: `  scentctl run all --simulate
  scentctl run threshold --port /dev/ttyUSB0 --subject P017`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"threshold", "discrimination", "identification", "all"},
	RunE:      runTests,
}

func init() {
	runCmd.Flags().StringVar(&subject, "subject", "", "subject identifier stored in the report")
	rootCmd.AddCommand(runCmd)
}

func runTests(cmd *cobra.Command, args []string) error {
	kinds, ok := testKinds[args[0]]
	if !ok {
		return fmt.Errorf("unknown test %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := config.LoadPlan(planFile)
	if err != nil {
		return err
	}
	procs := make([]engine.Procedure, 0, len(kinds))
	for _, k := range kinds {
		p, err := cfg.Procedure(plan, k)
		if err != nil {
			return err
		}
		procs = append(procs, p)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	dev, err := openDevice(cfg, metrics)
	if err != nil {
		return err
	}
	defer dev.Disconnect()
	go drainReplies(ctx, dev)

	if err := dev.SetFrequency(cfg.Device.PWMFrequency); err != nil {
		return err
	}

	id := uuid.New()
	session := scoring.NewSession()
	fan := &report.Fanout{}
	fan.AddListener(session.Listener())
	fan.AddListener(metrics.OnEvent)
	closeSinks := addSinks(ctx, cfg, fan, id)
	defer closeSinks()

	out := cmd.OutOrStdout()
	r := &runner{
		dev:    dev,
		timing: cfg.Timing(),
		opts:   []engine.Option{engine.WithListener(fan.Listener())},
		in:     readLines(cmd.InOrStdin()),
		out:    out,
	}

	if cfg.Metrics.Enabled {
		srv := monitor.NewServer(cfg.Metrics.Addr, metrics, r.snapshot)
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("ops server shutdown")
			}
		}()
	}

	for _, p := range procs {
		res, err := r.runTest(ctx, p)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			return err
		}
		printResult(out, res)
		if err != nil {
			break
		}
		if !dev.Connected() {
			fmt.Fprintln(out, "device disconnected, remaining tests skipped")
			break
		}
	}

	if len(session.Results()) == 0 {
		return nil
	}
	printScores(out, session)

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fan.Write(wctx, report.New(id, subject, session)); err != nil {
		log.Warn().Err(err).Msg("report not written to every sink")
	}
	return nil
}

// drainReplies consumes device acknowledgements so that frame counters and
// codec error logging see them.
func drainReplies(ctx context.Context, dev *device.Device) {
	for {
		f, err := dev.NextResponse(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("reply reader stopped")
			}
			return
		}
		log.Debug().Str("reply", describe(f)).Msg("device reply")
	}
}

// addSinks wires the optional NATS and PostgreSQL sinks next to the file
// sink. A sink that cannot be reached is logged and left out.
func addSinks(ctx context.Context, cfg *config.Config, fan *report.Fanout, id uuid.UUID) func() {
	var closers []func()
	if cfg.Report.Dir != "" {
		fan.AddSink(report.FileSink{Dir: cfg.Report.Dir})
	}
	if url := cfg.Report.NATSURL; url != "" {
		nc, err := report.Connect(url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("NATS unavailable, events not published")
		} else {
			ns := report.NewNATSSink(nc, cfg.Report.NATSSubject, id)
			fan.AddListener(ns.OnEvent)
			fan.AddSink(ns)
			closers = append(closers, nc.Close)
		}
	}
	if dsn := cfg.Report.DatabaseDSN; dsn != "" {
		st, err := storage.Open(dsn)
		if err == nil {
			if err = st.Migrate(ctx); err != nil {
				st.Close()
			}
		}
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, report not stored")
		} else {
			fan.AddSink(st)
			closers = append(closers, func() { st.Close() })
		}
	}
	return func() {
		for _, c := range closers {
			c()
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// runner drives one engine at a time from operator input lines.
type runner struct {
	dev     *device.Device
	timing  engine.Timing
	opts    []engine.Option
	in      <-chan string
	out     io.Writer
	current atomic.Pointer[engine.Engine]
}

func (r *runner) snapshot() (engine.Snapshot, bool) {
	e := r.current.Load()
	if e == nil {
		return engine.Snapshot{}, false
	}
	return e.Snapshot(), true
}

// runTest returns when the test completes, input ends (io.EOF) or ctx is
// cancelled. In the last two cases the test is quit first.
//
// Input typed while a trial is being presented is held until the
// presentation ends, except q and r which cut it short.
func (r *runner) runTest(ctx context.Context, p engine.Procedure) (engine.Result, error) {
	eng := engine.New(p, r.dev, r.timing, r.opts...)
	r.current.Store(eng)
	if _, err := eng.Handle(ctx, engine.Start()); err != nil {
		return engine.Result{}, err
	}
	fmt.Fprintf(r.out, "== %s test ==\n", p.Kind())

	var (
		presenting <-chan error
		pending    []string
	)
	for {
		if presenting == nil {
			if eng.State() == engine.StateCompleted {
				res, _ := eng.Result()
				return res, nil
			}
			if len(pending) > 0 {
				line := pending[0]
				pending = pending[1:]
				presenting = r.apply(ctx, eng, line)
				continue
			}
			r.prompt(eng.Snapshot())
		}

		select {
		case <-ctx.Done():
			r.quit(eng, presenting)
			res, _ := eng.Result()
			return res, ctx.Err()
		case err := <-presenting:
			presenting = nil
			r.presented(err)
		case line, ok := <-r.in:
			if !ok {
				r.quit(eng, presenting)
				res, _ := eng.Result()
				return res, io.EOF
			}
			if presenting == nil {
				presenting = r.apply(ctx, eng, line)
				continue
			}
			switch normalize(line) {
			case "q", "r":
				r.apply(ctx, eng, line)
			default:
				pending = append(pending, line)
			}
		}
	}
}

func normalize(line string) string { return strings.ToLower(strings.TrimSpace(line)) }

// apply handles one input line. A presentation runs in its own goroutine and
// its outcome arrives on the returned channel; every other action returns nil.
func (r *runner) apply(ctx context.Context, eng *engine.Engine, line string) <-chan error {
	a, ok := r.parse(eng, line)
	if !ok {
		return nil
	}
	if a.Kind == engine.ActPresent || a.Kind == engine.ActTry {
		if a.Kind == engine.ActTry {
			fmt.Fprintln(r.out, "  try scent...")
		}
		done := make(chan error, 1)
		go func() {
			_, err := eng.Handle(ctx, a)
			done <- err
		}()
		return done
	}
	if _, err := eng.Handle(ctx, a); err != nil {
		fmt.Fprintf(r.out, "  %v\n", err)
	}
	return nil
}

func (r *runner) parse(eng *engine.Engine, line string) (engine.Action, bool) {
	s := normalize(line)
	switch s {
	case "", "p":
		if eng.State() != engine.StateReady {
			fmt.Fprintln(r.out, "  choose an answer first, or r to retry")
			return engine.Action{}, false
		}
		return engine.Present(), true
	case "c":
		return engine.Confirm(), true
	case "r":
		return engine.Retry(), true
	case "q":
		return engine.Quit(), true
	case "t":
		if eng.Kind() != engine.KindThreshold {
			fmt.Fprintln(r.out, "  try scent is only offered by the threshold test")
			return engine.Action{}, false
		}
		return engine.Try(), true
	case "?", "h", "help":
		fmt.Fprintln(r.out, "  enter present, 1..4 select, c confirm, r retry, t try scent, q quit")
		return engine.Action{}, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return engine.Select(n), true
	}
	fmt.Fprintf(r.out, "  unknown input %q, ? for help\n", line)
	return engine.Action{}, false
}

func (r *runner) quit(eng *engine.Engine, presenting <-chan error) {
	_, _ = eng.Handle(context.Background(), engine.Quit())
	if presenting != nil {
		<-presenting
	}
}

func (r *runner) presented(err error) {
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrInterrupted):
		fmt.Fprintln(r.out, "  presentation interrupted")
	case errors.Is(err, engine.ErrInvalidTransition):
		fmt.Fprintf(r.out, "  %v\n", err)
	default:
		fmt.Fprintf(r.out, "  device error, test ended: %v\n", err)
	}
}

func (r *runner) prompt(s engine.Snapshot) {
	if s.Stimulus == nil {
		return
	}
	switch s.State {
	case engine.StateReady:
		fmt.Fprintf(r.out, "[%s] trial %d ready, enter to present\n", s.Test, s.Stimulus.Index)
	case engine.StateAwaitingResponse:
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] trial %d, which one?", s.Test, s.Stimulus.Index)
		if len(s.Stimulus.Labels) > 0 {
			for i, l := range s.Stimulus.Labels {
				fmt.Fprintf(&b, "  %d) %s", i+1, l)
			}
		} else {
			fmt.Fprintf(&b, " 1..%d", s.Stimulus.Options)
		}
		if s.Selected > 0 {
			fmt.Fprintf(&b, "  [selected %d, c to confirm]", s.Selected)
		}
		fmt.Fprintln(r.out, b.String())
	}
}

func printResult(out io.Writer, res engine.Result) {
	if res.Test == "" {
		return
	}
	status := "completed"
	if res.Quit {
		status = "quit"
	}
	switch res.Test {
	case engine.KindThreshold:
		score := "undefined"
		if res.Defined {
			score = strconv.FormatFloat(res.Score, 'f', 2, 64)
		}
		fmt.Fprintf(out, "%s %s after %d trials: score %s\n", res.Test, status, len(res.Trials), score)
	case engine.KindIdentification:
		fmt.Fprintf(out, "%s %s: %d correct (%.1f%%), grade %d\n", res.Test, status, res.Correct, res.Percent, res.Grade)
	default:
		fmt.Fprintf(out, "%s %s: %d correct (%.1f%%)\n", res.Test, status, res.Correct, res.Percent)
	}
}

func printScores(out io.Writer, s *scoring.Session) {
	sc := s.Scores()
	threshold := "-"
	if sc.ThresholdDefined {
		threshold = strconv.FormatFloat(sc.Threshold, 'f', 2, 64)
	}
	fmt.Fprintf(out, "T %s  D %d  I %d  TDI %.2f  (%s)\n",
		threshold, sc.Discrimination, sc.Identification, sc.Composite, s.Band())
}
