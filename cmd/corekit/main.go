// Command corekit is the hosted entry point into this module's memory and
// concurrency core. Unlike the teacher it replaces (gopher-os's stub.go,
// which hands a multiboot pointer straight to a freestanding Kmain), this
// module is not bootable: corekit constructs the core in-process against a
// synthetic firmware memory map, runs a self-test sequence exercising the
// frame allocator, the synchronization primitives, the heap and the ACPI OSL
// adapter (the page-table walker is not exercised), and prints a stats dump
// on exit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var arenaMb int

	cmd := &cobra.Command{
		Use:   "corekit",
		Short: "Boot an in-process instance of the memory/concurrency core and self-test it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runSelfTest(cmd.OutOrStdout(), logger, arenaMb)
		},
	}

	cmd.Flags().IntVar(&arenaMb, "arena-mb", 16, "size, in MiB, of the simulated physical address space")

	return cmd
}
