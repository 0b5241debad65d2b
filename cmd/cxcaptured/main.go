package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cxadc-tools/cxcapture/pkg/captureserver"
	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
	"github.com/cxadc-tools/cxcapture/pkg/cxdma"
	"github.com/cxadc-tools/cxcapture/pkg/cxreader"
	"github.com/cxadc-tools/cxcapture/pkg/cxreader/store"
)

// serverVersion is the build's version string, reported by both
// `cxcaptured version` and the HTTP /version route.
const serverVersion = captureserver.Version

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath   string
	Resource     string
	BARSize      uint32
	Fake         bool
	PollInterval time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "cxcaptured [version | port | unix:<path>]",
	Short: "CX2388x capture server",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if args[0] == "version" {
			fmt.Println(serverVersion)
			return nil
		}
		listener, err := listenerFor(args[0])
		if err != nil {
			return err
		}
		if err := run(cmd, listener); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil
			}
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "./cxcapture-config.yaml", "path to the persisted device configuration")
	rootCmd.Flags().StringVar(&cmd.Resource, "resource", "/sys/bus/pci/devices/0000:00:00.0/resource0", "sysfs PCI BAR resource file for the capture device")
	rootCmd.Flags().Uint32Var(&cmd.BARSize, "bar-size", 0x10000, "size in bytes of the capture device's MMIO window")
	rootCmd.Flags().BoolVar(&cmd.Fake, "fake", false, "simulate a device instead of opening real hardware, for development and demos")
	rootCmd.Flags().DurationVar(&cmd.PollInterval, "poll-interval", 2*time.Millisecond, "how often to poll the interrupt status register and service a pending capture interrupt")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// listenerFor implements the CLI surface's "TCP port 1..65535 |
// unix:<path>" grammar; path length is bounded the way a sockaddr_un
// bounds it.
func listenerFor(arg string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(arg, "unix:"); ok {
		if len(path) >= 108 {
			return nil, fmt.Errorf("cxcaptured: unix socket path %q too long", path)
		}
		return net.Listen("unix", path)
	}
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("cxcaptured: argument must be \"version\", a TCP port 1..65535, or unix:<path>, got %q", arg)
	}
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func run(cmd Cmd, listener net.Listener) error {
	config := zap.NewDevelopmentConfig()
	config.Development = false
	config.Level.SetLevel(zap.InfoLevel)
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("cxcaptured: build logger: %w", err)
	}
	defer logger.Sync()

	var io cxdma.RegisterIO
	var fake *cxdma.FakeRegisterIO
	if cmd.Fake {
		fake = cxdma.NewFakeRegisterIO(cmd.BARSize)
		io = fake
		logger.Warn("running against a simulated device, not real hardware")
	} else {
		mmio, err := cxdma.OpenMMIO(cmd.Resource, cmd.BARSize)
		if err != nil {
			return fmt.Errorf("cxcaptured: open capture device: %w", err)
		}
		io = mmio
	}
	pages, err := cxdma.NewPagePool(256, uint32(os.Getpagesize()))
	if err != nil {
		return fmt.Errorf("cxcaptured: allocate dma pages: %w", err)
	}
	engine, err := cxdma.Open(io, pages, cxconfig.Default(), logger.Named("cxdma"))
	if err != nil {
		return fmt.Errorf("cxcaptured: initialize capture engine: %w", err)
	}
	defer engine.Close()

	device, err := cxreader.Open(engine, store.NewFileStore(cmd.ConfigPath), logger.Named("cxreader"))
	if err != nil {
		return fmt.Errorf("cxcaptured: open device: %w", err)
	}

	session := captureserver.NewSession(
		map[int]*cxreader.Device{0: device},
		captureserver.WithLogger(logger.Named("captureserver")),
	)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return engine.Run(ctx)
	})
	wg.Go(func() error {
		return pollISR(ctx, engine, cmd.PollInterval)
	})
	if fake != nil {
		wg.Go(func() error {
			fake.RunSimulatedCapture(ctx, cxdma.IRQPeriodInPages, cmd.PollInterval*4)
			return nil
		})
	}
	wg.Go(func() error {
		srv := &http.Server{Handler: session.Handler()}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	wg.Go(func() error {
		err := waitInterrupted(ctx)
		logger.Info("caught signal", zap.Error(err))
		return err
	})

	return wg.Wait()
}

// pollISR services Engine.ISR on a fixed interval. This user-space
// rewrite has no interrupt line to attach to (no UIO/VFIO wiring
// around the mmap'd BAR), so it polls the interrupt status register
// the way a userspace driver without interrupt delivery must; the real
// hardware still only asserts risci1 on its own schedule, ISR just
// gets checked for it periodically instead of on each edge.
func pollISR(ctx context.Context, engine *cxdma.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := engine.ISR(); err != nil {
				return err
			}
		}
	}
}

var errInterrupted = errors.New("cxcaptured: interrupted")

// waitInterrupted blocks until SIGINT/SIGTERM or ctx is cancelled.
func waitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ch:
		return errInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}
