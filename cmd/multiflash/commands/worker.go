package commands

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/ipc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a flash on behalf of a controller process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("ipc-id", "", "IPC channel id")
	workerCmd.Flags().String("ipc-socket-root", "", "Directory holding the IPC socket")

	viper.BindPFlag("ipc-id", workerCmd.Flags().Lookup("ipc-id"))
	viper.BindPFlag("ipc-socket-root", workerCmd.Flags().Lookup("ipc-socket-root"))
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ipcCfg := ipc.Config{
		ChannelID:  cfg.IPCID,
		SocketRoot: cfg.IPCSocketRoot,
		Retry:      ipc.NoRetry,
	}
	if err := ipcCfg.Validate(); err != nil {
		return err
	}

	machine, release, err := newMachine(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	code := ipc.NewWorker(ipcCfg, machine.Run, ipc.WithWorkerLogger(slog.Default())).Run(ctx)
	if code != errors.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
