package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramlog-io/ramlog/cmd/util"
	"github.com/ramlog-io/ramlog/lib/logengine"
	"github.com/ramlog-io/ramlog/lib/logengine/backup/memlink"
	"github.com/ramlog-io/ramlog/lib/logengine/registry"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
	"github.com/ramlog-io/ramlog/lib/logengine/segmgr"
	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
)

var demoCmd = &cobra.Command{
	Use:     "demo",
	Short:   "Append a value, read it back, then free it, against a throwaway engine",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
	RunE:    runDemo,
}

func init() {
	f := demoCmd.Flags()
	f.Uint64("table", 1, util.WrapString("Table id to write under"))
	f.String("key", "hello", util.WrapString("Key to write"))
	f.String("value", "world", util.WrapString("Value to write"))
}

func runDemo(_ *cobra.Command, _ []string) error {
	table := viper.GetUint64("table")
	key := viper.GetString("key")
	value := viper.GetString("value")

	const segletSize = 64 * 1024
	const segletsPerSegment = 16

	alloc := seglet.New(segletSize, segletsPerSegment*4)
	mgr := segmgr.New(alloc, segletsPerSegment, nil)
	reg := registry.New()
	link := memlink.New()

	l, err := logengine.New(logengine.Config{SegletSize: segletSize, SegletsPerSegment: segletsPerSegment}, mgr, reg, link)
	if err != nil {
		return fmt.Errorf("demo: %w", err)
	}

	ref, err := l.Append(table, []byte(key), []byte(value))
	if err != nil {
		return fmt.Errorf("demo: append: %w", err)
	}
	fmt.Printf("appended %q=%q at segment %d offset %d\n", key, value, ref.SegmentId, ref.Offset)

	resolved, ok := reg.Lookup(table, []byte(key))
	if !ok || resolved != ref {
		return fmt.Errorf("demo: registry lookup for %q did not return the just-written reference", key)
	}

	_, payload, err := l.Read(resolved)
	if err != nil {
		return fmt.Errorf("demo: read: %w", err)
	}
	obj := segment.DecodeObjectPayload(payload)
	fmt.Printf("read back %q=%q\n", obj.Key, obj.Value)

	if err := l.Free(ref); err != nil {
		return fmt.Errorf("demo: free: %w", err)
	}
	fmt.Println("freed")
	return nil
}
