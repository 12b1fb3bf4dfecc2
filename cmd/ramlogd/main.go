// Command ramlogd is the standalone daemon wrapping a Log, a Cleaner,
// and a Backup Link, configured the way the teacher's cmd/serve wires
// a store: cobra flags bound to viper, with .env support via
// godotenv. It has two independent roles, split into subcommands
// rather than crammed into one flag set, the way the teacher splits
// cmd/serve from cmd/kv/cmd/lock:
//
//   - "engine": runs the Log + Cleaner, replicating to a remote
//     backup over backup/rpc (or, with no --backup-addr, to an
//     in-process memlink fake for standalone operation).
//   - "backup": runs the backup/rpc.Server side, answering another
//     ramlogd engine's replication sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramlog-io/ramlog/cmd/ramlogd/backupcmd"
	"github.com/ramlog-io/ramlog/cmd/ramlogd/enginecmd"
	"github.com/ramlog-io/ramlog/cmd/util"
)

var rootCmd = &cobra.Command{
	Use:   "ramlogd",
	Short: "ramlog daemon: log engine and backup collaborator roles",
}

func init() {
	cobra.OnInitialize(util.InitEnv)
	rootCmd.AddCommand(enginecmd.Cmd)
	rootCmd.AddCommand(backupcmd.Cmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
