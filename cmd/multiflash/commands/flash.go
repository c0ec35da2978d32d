package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/multiflash/internal/config"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/ipc"
	"github.com/fly-io/multiflash/pkg/orchestrator"
	"github.com/fly-io/multiflash/pkg/progress"
	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const workerStartTimeout = 30 * time.Second

var flashIsolate bool

var flashCmd = &cobra.Command{
	Use:   "flash <image> <device>...",
	Short: "Write an image to one or more devices",
	Long: `Writes <image> to every <device> concurrently.

<image> is a local path or an s3://bucket/key URI. Devices that fail do not stop
the others; the exit code is non-zero only when the job itself could not run.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().Bool("verify", true, "Read every device back and compare after writing")
	flashCmd.Flags().Bool("unmount", true, "Unmount devices after a successful flash")
	flashCmd.Flags().StringSlice("checksum", []string{"crc32"},
		"Checksum algorithms ("+strings.Join(writer.SupportedChecksums(), ", ")+")")
	flashCmd.Flags().BoolVar(&flashIsolate, "isolate", false, "Run the flash in a separate worker process")

	viper.BindPFlag("verify", flashCmd.Flags().Lookup("verify"))
	viper.BindPFlag("unmount-on-success", flashCmd.Flags().Lookup("unmount"))
	viper.BindPFlag("checksum-algorithms", flashCmd.Flags().Lookup("checksum"))
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	algorithms, err := writer.NormalizeChecksums(cfg.ChecksumAlgorithms)
	if err != nil {
		return errors.Validation("%v", err)
	}

	req := orchestrator.Request{
		ImagePath:          args[0],
		Destinations:       args[1:],
		Verify:             cfg.Verify,
		UnmountOnSuccess:   cfg.UnmountOnSuccess,
		ChecksumAlgorithms: algorithms,
	}

	out := newReporter(cmd.OutOrStdout())
	var result orchestrator.Result
	if flashIsolate {
		result, err = flashIsolated(ctx, cfg, req, out)
	} else {
		result, err = flashLocal(ctx, cfg, req, out)
	}
	if err != nil {
		return err
	}

	out.outcomes(result)
	return nil
}

func flashLocal(ctx context.Context, cfg *config.Config, req orchestrator.Request, out *reporter) (orchestrator.Result, error) {
	machine, release, err := newMachine(ctx, cfg)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer release()

	return machine.Run(ctx, req,
		orchestrator.WithProgressCallback(out.progress),
		orchestrator.WithErrorCallback(out.deviceError),
	)
}

// flashIsolated runs the job in a child worker process and drives it as its
// IPC controller.
func flashIsolated(ctx context.Context, cfg *config.Config, req orchestrator.Request, out *reporter) (orchestrator.Result, error) {
	ipcCfg := ipc.Config{ChannelID: uuid.NewString(), SocketRoot: cfg.IPCSocketRoot}
	srv, err := ipc.Listen(ipcCfg)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer srv.Close()

	exe, err := os.Executable()
	if err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "failed to locate executable")
	}

	worker := exec.CommandContext(ctx, exe, workerArgs(cfg, ipcCfg)...)
	worker.Stdout = os.Stderr
	worker.Stderr = os.Stderr
	worker.Cancel = func() error { return worker.Process.Signal(syscall.SIGTERM) }
	worker.WaitDelay = 10 * time.Second
	if err := worker.Start(); err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "failed to start worker")
	}
	slog.Info("worker_started", "pid", worker.Process.Pid, "socket", ipcCfg.SocketPath())

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = worker.Wait()
		close(exited)
	}()
	defer func() {
		select {
		case <-exited:
		default:
			worker.Process.Signal(syscall.SIGTERM)
		}
		<-exited
	}()

	acceptCtx, cancel := context.WithTimeout(ctx, workerStartTimeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	conn, err := srv.Accept(acceptCtx)
	if err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "worker did not connect")
	}

	ctrl := ipc.NewController(conn,
		ipc.OnState(out.progress),
		ipc.OnError(func(p ipc.ErrorPayload) {
			if p.Device != "" {
				out.deviceError(p.Device, errors.New(p.Message))
			}
		}),
		ipc.OnLog(func(p ipc.LogPayload) {
			slog.Debug("worker_log", "level", p.Level, "message", p.Message)
		}),
	)
	defer ctrl.Close()

	if err := ctrl.AwaitReady(acceptCtx); err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "worker not ready")
	}

	result, err := ctrl.Write(ctx, req)
	ctrl.Close()
	select {
	case <-exited:
		if waitErr != nil {
			slog.Warn("worker_exit", "error", waitErr)
		}
	case <-time.After(worker.WaitDelay):
		slog.Warn("worker_exit_timeout", "pid", worker.Process.Pid)
	}
	return result, err
}

// workerArgs passes the controller's configuration on to the worker.
func workerArgs(cfg *config.Config, ipcCfg ipc.Config) []string {
	return []string{
		"worker",
		"--ipc-id", ipcCfg.ChannelID,
		"--ipc-socket-root", ipcCfg.SocketRoot,
		"--sqlite-path", cfg.SQLitePath,
		"--fsm-db-path", cfg.FSMDBPath,
		"--work-dir", cfg.WorkDir,
		"--s3-bucket", cfg.S3Bucket,
		"--s3-region", cfg.S3Region,
		"--max-parallel", strconv.Itoa(cfg.MaxParallel),
		"--fsm-max-retries", strconv.Itoa(cfg.FSMMaxRetries),
		"--log-level", cfg.LogLevel,
	}
}

// reporter prints progress and outcomes. Callbacks may arrive from
// different goroutines.
type reporter struct {
	mu sync.Mutex
	w  io.Writer
}

func newReporter(w io.Writer) *reporter {
	return &reporter{w: w}
}

func (r *reporter) progress(s progress.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%-12s %5.1f%%  %s/%s  %s/s  eta %s  (%d active)\n",
		s.Type,
		s.Percentage,
		humanize.IBytes(uint64(s.BytesTransferred)),
		humanize.IBytes(uint64(s.TotalBytes)),
		humanize.IBytes(uint64(s.Speed)),
		(time.Duration(s.ETA) * time.Second).String(),
		s.Active,
	)
}

func (r *reporter) deviceError(device string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: %v\n", device, err)
}

func (r *reporter) outcomes(result orchestrator.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range result.Entries {
		if !e.Success {
			fmt.Fprintf(r.w, "FAIL  %s  %s\n", e.Device, e.Error)
			continue
		}
		sums := make([]string, 0, len(e.Checksums))
		for _, alg := range writer.SupportedChecksums() {
			if v, ok := e.Checksums[alg]; ok {
				sums = append(sums, alg+"="+v)
			}
		}
		fmt.Fprintf(r.w, "OK    %s  %s  %s\n", e.Device, humanize.IBytes(uint64(e.BytesWritten)), strings.Join(sums, " "))
	}
	fmt.Fprintf(r.w, "%d succeeded, %d failed\n", len(result.Succeeded()), len(result.Failed()))
}
