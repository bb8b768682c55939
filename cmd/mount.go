package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/Bulkin/fuse-rm/internal/logger"
	"github.com/Bulkin/fuse-rm/internal/xfs"
)

func runMount(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving source: %w", err)
	}
	target, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}

	logger.Init(os.Stderr, debug, jsonLog)

	filesystem, err := xfs.New(xfs.Config{
		RootPath: source,
		Uid:      uint32(uid),
		Gid:      uint32(gid),
		Clock:    timeutil.RealClock(),
		Debug:    debug,
	})
	if err != nil {
		return fmt.Errorf("initializing filesystem: %w", err)
	}

	if reclaimed, err := filesystem.ReclaimTrash(context.Background(), trashLim); err != nil {
		logger.Warnf("trash reclamation failed: %v", err)
	} else if reclaimed > 0 {
		logger.Infof("reclaimed %d trashed entries at startup", reclaimed)
	}

	mfs, err := filesystem.Mount(target)
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", target, err)
	}

	registerSIGINTHandler(target)

	logger.Infof("mounted %s at %s", source, target)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	return nil
}

// registerSIGINTHandler arranges for SIGINT to trigger an unmount. A failed
// unmount is retried on the next SIGINT, until one succeeds.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for {
			<-signalChan
			logger.Info("received SIGINT, attempting to unmount...")

			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("successfully unmounted in response to SIGINT")
				return
			}
		}
	}()
}
