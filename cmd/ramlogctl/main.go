// Command ramlogctl is a one-shot CLI that builds a Log + Cleaner in
// process (backed by memlink, since there is nothing durable to
// reconnect to across separate invocations) and exercises it
// directly — grounded on the teacher's cmd/kv package, specifically
// perfCmd.go's testing.Benchmark-driven workload generator, since
// ramlogctl's operations don't survive process exit the way a real
// RPC client's would.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramlog-io/ramlog/cmd/util"
)

var rootCmd = &cobra.Command{
	Use:   "ramlogctl",
	Short: "Exercise a ramlog engine in process: append/read/free and benchmarks",
}

func init() {
	cobra.OnInitialize(util.InitEnv)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
