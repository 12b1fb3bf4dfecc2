// Package backupcmd implements ramlogd's "backup" role: a standalone
// backup/rpc.Server process that answers replication sessions opened
// by one or more engine-role ramlogd processes. Grounded on the
// teacher's cmd/serve.ServeCmd: cobra flags bound via viper, a single
// blocking Listen call as the command's RunE.
package backupcmd

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramlog-io/ramlog/cmd/util"
	backuprpc "github.com/ramlog-io/ramlog/lib/logengine/backup/rpc"
)

var Cmd = &cobra.Command{
	Use:     "backup",
	Short:   "Run ramlog as a backup collaborator, answering engine replication sessions",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	Cmd.Flags().String("listen", "0.0.0.0:7040", util.WrapString("Address to listen on for engine replication sessions"))
}

func run(_ *cobra.Command, _ []string) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "role", "backup")

	addr := viper.GetString("listen")
	srv := backuprpc.NewServer()

	level.Info(logger).Log("msg", "starting backup collaborator", "addr", addr)
	if err := srv.Listen(addr); err != nil {
		level.Error(logger).Log("msg", "backup listener exited", "err", err)
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}
