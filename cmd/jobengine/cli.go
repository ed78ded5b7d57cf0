package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fframes/jobengine/internal/command"
	"github.com/fframes/jobengine/internal/executor"
	"github.com/fframes/jobengine/internal/governor"
	"github.com/fframes/jobengine/internal/jobmanager"
	"github.com/fframes/jobengine/internal/probe"
)

// TODO: Inject version at build time.
const version = "0.0.1"

type cli struct {
	logger *slog.Logger
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:          "jobengine",
		Short:        "Run external media tools as managed jobs",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}

			level := slog.LevelInfo
			if cfg.debug {
				level = slog.LevelDebug
			}

			c.logger = slog.New(slog.NewTextHandler(
				cmd.ErrOrStderr(),
				&slog.HandlerOptions{Level: level},
			))

			return nil
		},
	}

	root.AddCommand(
		c.runCmd(cfg),
		c.probeCmd(),
		c.presetsCmd(),
	)

	root.CompletionOptions.HiddenDefaultCmd = true

	pf := root.PersistentFlags()
	pf.IntVar(&cfg.maxConcurrent, "max-concurrent", 1, "Maximum jobs running at once")
	pf.IntVar(&cfg.queueCapacity, "queue-capacity", jobmanager.DefaultQueueCapacity, "Pending queue capacity")
	pf.DurationVar(&cfg.timeout, "timeout", 0, "Per-job wall-clock timeout (0 = none)")
	pf.DurationVar(&cfg.grace, "grace", executor.DefaultGracePeriod, "Wait between graceful stop and forced kill")
	pf.StringVar(&cfg.tempRoot, "temp-root", "", "Root directory for per-job scratch space")
	pf.StringVar(&cfg.cgroupRoot, "cgroup-root", "", "Cgroup v2 root for kernel-enforced limits")
	pf.Var(&cfg.memLimit, "mem-limit", "Per-job memory ceiling, e.g. 512M")
	pf.Var(&cfg.memBudget, "mem-budget", "Aggregate memory budget across running jobs, e.g. 4G")
	pf.IntVar(&cfg.cpuLimit, "cpu-limit", 0, "Per-job CPU ceiling as a percentage of one core")
	pf.BoolVar(&cfg.debug, "debug", false, "Enable debug logs")

	return root
}

func (c *cli) runCmd(cfg *config) *cobra.Command {
	var (
		outputs   []string
		preset    string
		overwrite bool
		seek      time.Duration
		duration  time.Duration
	)

	cmd := &cobra.Command{
		Use:     "run [flags] INPUT...",
		Short:   "Run one conversion job and wait for it",
		Example: "  jobengine run -o out.mp4 --preset h264-720p in.mkv",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(outputs) == 0 {
				return errors.New("at least one --output is required")
			}

			job := jobmanager.Job{
				Global:  command.GlobalOptions{Overwrite: overwrite},
				Timeout: cfg.timeout,
				HardLimits: executor.Limits{
					MemoryMaxBytes: int64(cfg.memLimit),
					CPUMaxPercent:  float64(cfg.cpuLimit),
				},
				// The per-job ceiling doubles as the admission estimate.
				EstimatedUsage: governor.Estimate{MemoryBytes: int64(cfg.memLimit)},
			}

			for _, path := range args {
				job.Inputs = append(job.Inputs, command.InputSpec{
					Path:     path,
					Seek:     seek,
					Duration: duration,
				})
			}

			for _, path := range outputs {
				job.Outputs = append(job.Outputs, command.OutputSpec{
					Path:   path,
					Preset: preset,
				})
			}

			if cfg.cgroupRoot != "" {
				job.CgroupLimits.MemoryMaxBytes = int64(cfg.memLimit)
				job.CgroupLimits.CPUMaxPercent = int64(cfg.cpuLimit)
			}

			return c.runJob(cmd, cfg, job)
		},
	}

	cmd.Flags().StringArrayVarP(&outputs, "output", "o", nil, "Output path (repeatable)")
	cmd.Flags().StringVar(&preset, "preset", "", "Output preset, see 'jobengine presets'")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "y", false, "Overwrite existing outputs")
	cmd.Flags().DurationVar(&seek, "seek", 0, "Seek into the input before processing")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Limit the processed input duration")

	return cmd
}

func (c *cli) runJob(cmd *cobra.Command, cfg *config, job jobmanager.Job) error {
	manager, err := jobmanager.NewManager(jobmanager.Config{
		MaxConcurrent:  cfg.maxConcurrent,
		QueueCapacity:  cfg.queueCapacity,
		DefaultTimeout: cfg.timeout,
		GracePeriod:    cfg.grace,
		TempRoot:       cfg.tempRoot,
		CgroupRoot:     cfg.cgroupRoot,
		Budget:         governor.Budget{MemoryBytes: int64(cfg.memBudget)},
		Logger:         c.logger,
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown(cfg.grace + time.Second)

	id, err := manager.Submit(job)
	if err != nil {
		return err
	}

	c.logger.Debug("job submitted", "job_id", id)

	events, err := manager.Watch(id)
	if err != nil {
		return err
	}

	done, err := manager.Done(id)
	if err != nil {
		return err
	}

	// A nil channel blocks forever, dropping a case out of the select once
	// it has fired.
	interrupt := cmd.Context().Done()

	for events != nil || done != nil {
		select {
		case <-interrupt:
			manager.Cancel(id)
			interrupt = nil

		case p, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			renderProgress(cmd, p.Percent, p.Speed, p.OutTime)

		case <-done:
			done = nil
		}
	}

	rec, err := manager.Status(id)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.ErrOrStderr())

	switch rec.Status {
	case jobmanager.StatusCompleted:
		return nil
	case jobmanager.StatusCancelled:
		return errors.New("job cancelled")
	case jobmanager.StatusTimedOut:
		return errors.New("job timed out")
	default:
		var exitErr *jobmanager.ExitError
		if errors.As(rec.Err, &exitErr) && exitErr.Tail != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), exitErr.Tail)
		}

		return rec.Err
	}
}

func (c *cli) probeCmd() *cobra.Command {
	var binary string

	cmd := &cobra.Command{
		Use:     "probe [flags] INPUT",
		Short:   "Print media metadata for an input",
		Example: "  jobengine probe in.mkv",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := probe.NewFFProbe(binary).Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "DURATION\tFORMAT\tBIT RATE\tSTREAMS\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%d\t%d\t\n",
				info.Duration,
				info.Format,
				info.BitRate,
				info.Streams,
			)

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&binary, "ffprobe", "", "Path to the ffprobe binary")

	return cmd
}

func (c *cli) presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available output presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range command.Presets() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
}

// renderProgress draws a single-line progress readout on stderr.
func renderProgress(cmd *cobra.Command, percent float64, speed float64, outTime time.Duration) {
	if percent > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%6.2f%%  %s  %.2gx", percent, outTime.Round(time.Second), speed)
		return
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "\r%s  %.2gx", outTime.Round(time.Second), speed)
}
