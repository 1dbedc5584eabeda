// Command shmctl is the operator-facing diagnostic and recovery tool for
// shmhub shared-memory segments: a thin main over a cobra command tree,
// with the business logic left to the recovery and shm packages.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shmhub/shmhub/recovery"
	"github.com/shmhub/shmhub/shm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var segmentName string

	root := &cobra.Command{
		Use:           "shmctl",
		Short:         "Diagnose and repair shmhub shared-memory segments",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&segmentName, "segment", "", "segment name under /dev/shm")
	root.MarkPersistentFlagRequired("segment")

	open := func() (*recovery.Toolkit, *shm.Segment, error) {
		seg, err := shm.OpenDiagnostic(segmentName)
		if err != nil {
			return nil, nil, err
		}
		return recovery.New(seg), seg, nil
	}

	root.AddCommand(
		newDiagnoseCmd(open),
		newForceResetCmd(open),
		newReleaseZombieCmd(open),
		newCleanupConsumersCmd(open),
		newMetricsCmd(open),
		newResetMetricsCmd(open),
		newCreateCmd(),
	)
	return root
}

type opener func() (*recovery.Toolkit, *shm.Segment, error)

func newDiagnoseCmd(open opener) *cobra.Command {
	var slot int
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Print a diagnostic snapshot of every ring slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()

			if slot >= 0 {
				fmt.Printf("%+v\n", tk.DiagnoseSlot(uint32(slot)))
				return nil
			}
			for _, d := range tk.DiagnoseAllSlots() {
				fmt.Printf("%+v\n", d)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&slot, "slot", -1, "restrict to a single slot index")
	return cmd
}

func newForceResetCmd(open opener) *cobra.Command {
	var slot int
	var force bool
	cmd := &cobra.Command{
		Use:   "force-reset",
		Short: "Reset a wedged slot's writer lock and reader count to FREE",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slot < 0 {
				return fmt.Errorf("--slot is required")
			}
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()
			return tk.ForceResetSlot(uint32(slot), force)
		},
	}
	cmd.Flags().IntVar(&slot, "slot", -1, "slot index to reset")
	cmd.Flags().BoolVar(&force, "force", false, "required to reset; a slot whose writer lock is held by a live process is refused regardless")
	return cmd
}

func newReleaseZombieCmd(open opener) *cobra.Command {
	var slot int
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "release-zombie",
		Short: "Zero a slot's reader_count when every registered consumer is stale and dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slot < 0 {
				return fmt.Errorf("--slot is required")
			}
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()
			return tk.ReleaseZombieReaders(uint32(slot), staleAfter)
		},
	}
	cmd.Flags().IntVar(&slot, "slot", -1, "slot index")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Second, "reader heartbeat age considered stale")
	return cmd
}

func newCleanupConsumersCmd(open opener) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup-consumers",
		Short: "Deregister consumer heartbeat slots stale past a threshold whose PID is dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()
			n := tk.CleanupDeadConsumers(staleAfter)
			tk.RecomputeReadIndex()
			fmt.Printf("removed %d stale consumers\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 30*time.Second, "heartbeat age considered dead")
	return cmd
}

func newMetricsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the segment's metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()
			fmt.Printf("%+v\n", tk.MetricsSnapshot())
			return nil
		},
	}
}

func newResetMetricsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-metrics",
		Short: "Zero every metrics counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, seg, err := open()
			if err != nil {
				return err
			}
			defer seg.Close()
			tk.ResetMetrics()
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var pageSize, slotSize, ringCap uint32
	var flexSize uint64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Allocate a new segment with a SINGLE_LATEST, no-checksum config",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("segment")
			cfg := shm.Config{
				PhysicalPageSize: shm.PhysicalPageSize(pageSize),
				LogicalSlotSize:  slotSize,
				RingCapacity:     ringCap,
				FlexZoneSize:     flexSize,
				Policy:           shm.PolicySingleLatest,
				ConsumerSync:     shm.ConsumerSyncSingleReader,
				ChecksumKind:     shm.ChecksumNone,
				ChecksumPolicy:   shm.ChecksumManual,
			}
			seg, err := shm.Create(name, cfg, uint64(time.Now().UnixNano()))
			if err != nil {
				return err
			}
			defer seg.Close()
			fmt.Printf("created segment %s (%d bytes)\n", name, seg.Layout().TotalSize)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&pageSize, "page-size", 4096, "physical page size")
	cmd.Flags().Uint32Var(&slotSize, "slot-size", 4096, "logical slot size")
	cmd.Flags().Uint32Var(&ringCap, "ring-capacity", 8, "ring buffer slot count")
	cmd.Flags().Uint64Var(&flexSize, "flex-zone-size", 0, "flex zone size in bytes")
	return cmd
}
