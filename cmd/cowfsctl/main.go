// Command cowfsctl is the single multiplexer binary:
// format/fsck/fs/device/data/subvolume/migrate/dump/list/setattr/
// fusemount/version subcommands dispatching through the control
// package, wired as a cobra command tree over viper-bound persistent
// flags.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mstenber/cowfs/codec"
	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/control"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/fuseadapter"
	"github.com/mstenber/cowfs/journal"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/ops"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/factory"
	"github.com/mstenber/cowfs/superblock"
)

var (
	flagDevices   []string // "idx=directory" pairs
	flagBackend   string
	flagBlockSize uint32
	flagNumBlocks uint64
	flagOptions   []string // "name=value" pairs
	flagUUID      string
	flagScanDir   string
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "cowfsctl: %v\n", err)
	var ec *exitCodeErr
	if errors.As(err, &ec) {
		os.Exit(ec.code)
	}
	os.Exit(ferr.ExitCode(err))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cowfsctl",
		Short:         "control-plane CLI for a cowfs filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringArrayVar(&flagDevices, "device", nil,
		"member device as idx=directory, repeatable")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "inmemory",
		fmt.Sprintf("storage backend (one of: inmemory, bolt, badger, file)"))
	root.PersistentFlags().Uint32Var(&flagBlockSize, "block-size", 4096, "block size in bytes, format only")
	root.PersistentFlags().Uint64Var(&flagNumBlocks, "num-blocks", 1024, "blocks per device, format only")
	root.PersistentFlags().StringArrayVar(&flagOptions, "option", nil, "name=value option override, repeatable")
	root.PersistentFlags().StringVar(&flagUUID, "uuid", "",
		"filesystem UUID; member devices are found by scanning --scan-dir instead of --device")
	root.PersistentFlags().StringVar(&flagScanDir, "scan-dir", "/dev",
		"directory scanned for member devices when --uuid is given")
	viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newFormatCmd(),
		newShowSuperCmd(),
		newFsckCmd(),
		newFsCmd(),
		newDeviceCmd(),
		newDataCmd(),
		newSubvolumeCmd(),
		newMigrateCmd(),
		newMigrateSuperblockCmd(),
		newDumpCmd(),
		newListCmd(),
		newListJournalCmd(),
		newSetPassphraseCmd(),
		newRemovePassphraseCmd(),
		newUnlockCmd(),
		newSetattrCmd(),
		newFusemountCmd(),
		newVersionCmd(),
	)
	return root
}

func parseDeviceConfigs() (map[uint32]storage.Config, error) {
	if len(flagDevices) == 0 {
		return nil, fmt.Errorf("at least one --device idx=directory is required")
	}
	out := make(map[uint32]storage.Config, len(flagDevices))
	for _, spec := range flagDevices {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --device %q, want idx=directory", spec)
		}
		idx, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed --device index %q: %w", parts[0], err)
		}
		out[uint32(idx)] = storage.Config{
			Directory: parts[1],
			BlockSize: flagBlockSize,
			NumBlocks: flagNumBlocks,
		}
	}
	return out, nil
}

func parseOptions() config.Set {
	s := config.Set{}
	for _, spec := range flagOptions {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) == 2 {
			s[parts[0]] = parts[1]
		}
	}
	return s
}

func openDevices(cfgs map[uint32]storage.Config) (map[uint32]storage.Device, error) {
	devices := make(map[uint32]storage.Device, len(cfgs))
	for idx, cfg := range cfgs {
		dev, err := openOneDevice(flagBackend, cfg)
		if err != nil {
			return nil, fmt.Errorf("open member %d: %w", idx, err)
		}
		devices[idx] = dev
	}
	return devices, nil
}

func openOneDevice(backend string, cfg storage.Config) (storage.Device, error) {
	return factory.New(backend, cfg)
}

func mountFS() (*ops.Filesystem, error) {
	if flagUUID != "" {
		template := storage.Config{BlockSize: flagBlockSize}
		paths, err := ops.ResolveMountSpec(flagBackend, flagUUID, flagScanDir, template)
		if err != nil {
			return nil, err
		}
		return ops.MountDeviceList(flagBackend, paths, template, parseOptions())
	}
	cfgs, err := parseDeviceConfigs()
	if err != nil {
		return nil, err
	}
	devices, err := openDevices(cfgs)
	if err != nil {
		return nil, err
	}
	fs, err := ops.Mount(devices, parseOptions())
	if err != nil {
		return nil, err
	}
	fs.BackendName = flagBackend
	return fs, nil
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "create a fresh filesystem on the given --device set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := parseDeviceConfigs()
			if err != nil {
				return err
			}
			fs, err := ops.FormatNew(flagBackend, cfgs, parseOptions())
			if err != nil {
				return err
			}
			defer fs.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %d member(s), primary=%d\n", len(fs.Devices), fs.Primary)
			return nil
		},
	}
}

func newShowSuperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-super",
		Short: "print the primary member's superblock",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			d := control.New(fs)
			super, err := d.ReadSuper()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "external_uuid=%s internal_uuid=%s generation=%d members=%d\n",
				super.ExternalUUID, super.InternalUUID, super.Generation, len(super.Members))
			for i, m := range super.Members {
				fmt.Fprintf(cmd.OutOrStdout(), "  member %d: state=%s nbuckets=%d bucket_size=%d durability=%d\n",
					i, m.State, m.NBuckets, m.BucketSize, m.Durability)
			}
			return nil
		},
	}
}

func newFsckCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "check (and optionally fix) cross-btree invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			p := ops.FsckAutoNo
			switch policy {
			case "yes":
				p = ops.FsckAutoYes
			case "ask":
				p = ops.FsckAsk
			}
			issues, err := fs.Fsck(p)
			if err != nil {
				return err
			}
			for _, issue := range issues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (fixed=%v)\n", issue.BTreeID, issue.Pos, issue.Problem, issue.Fixed)
			}
			if len(issues) > 0 {
				allFixed := true
				for _, issue := range issues {
					if !issue.Fixed {
						allFixed = false
					}
				}
				if allFixed {
					return &exitCodeErr{code: 2, msg: fmt.Sprintf("%d issue(s) found and fixed", len(issues))}
				}
				return &exitCodeErr{code: 4, msg: fmt.Sprintf("%d issue(s) found, not all fixed", len(issues))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "no", "repair policy: no, yes, ask")
	return cmd
}

// exitCodeErr carries a CLI-specific exit code that ferr.ExitCode's
// sentinel-based mapping doesn't cover (fsck's "fixed vs unfixed" 2/4
// split applies to a whole batch of issues, not one sentinel error).
type exitCodeErr struct {
	code int
	msg  string
}

func (self *exitCodeErr) Error() string { return self.msg }

func newFsCmd() *cobra.Command {
	fsCmd := &cobra.Command{Use: "fs", Short: "filesystem-wide operations"}
	fsCmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "report aggregate capacity/usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			u := fs.FsUsage()
			fmt.Fprintf(cmd.OutOrStdout(), "capacity_bytes=%d used_bytes=%d members=%d degraded=%v\n",
				u.CapacityBytes, u.UsedBytes, u.Members, u.Degraded)
			return nil
		},
	})
	return fsCmd
}

func newDeviceCmd() *cobra.Command {
	deviceCmd := &cobra.Command{Use: "device", Short: "member device lifecycle operations"}

	var force bool
	addCmd := &cobra.Command{
		Use:   "add PATH",
		Short: "open a fresh backend at PATH and add it as a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			d := control.New(fs)
			idx, err := d.DiskAdd(args[0], storage.Config{BlockSize: flagBlockSize, NumBlocks: flagNumBlocks})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added member %d\n", idx)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove IDX",
		Short: "drop a member from the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return control.New(fs).DiskRemove(idx, control.DiskRemoveFlags{Force: force})
		},
	}

	onlineCmd := &cobra.Command{
		Use:   "online IDX PATH",
		Short: "reopen a previously offlined member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return control.New(fs).DiskOnline(idx, args[1], storage.Config{BlockSize: flagBlockSize, NumBlocks: flagNumBlocks})
		},
	}

	offlineCmd := &cobra.Command{
		Use:   "offline IDX",
		Short: "mark a member unreachable without dropping it from the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return control.New(fs).DiskOffline(idx, control.DiskOfflineFlags{Force: force})
		},
	}

	evacuateCmd := &cobra.Command{
		Use:   "evacuate IDX IDX2,IDX3,...",
		Short: "move all data off IDX onto the given candidate members",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			candidates, err := parseUint32List(args[1])
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Migrate(idx, candidates, progressPrinter(cmd))
		},
	}

	setStateCmd := &cobra.Command{
		Use:   "set-state IDX STATE",
		Short: "transition a member's state (rw, ro, failed, spare)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			state, err := parseMemberState(args[1])
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return control.New(fs).DiskSetState(idx, state, control.DiskSetStateFlags{Force: force})
		},
	}

	resizeCmd := &cobra.Command{
		Use:   "resize IDX NEWNBUCKETS",
		Short: "update a member's bucket count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return control.New(fs).DiskResize(idx, n)
		},
	}

	for _, c := range []*cobra.Command{removeCmd, offlineCmd, setStateCmd} {
		c.Flags().BoolVar(&force, "force", false, "bypass the live-data safety check")
	}
	deviceCmd.AddCommand(addCmd, removeCmd, onlineCmd, offlineCmd, evacuateCmd, setStateCmd, resizeCmd)
	return deviceCmd
}

func newDataCmd() *cobra.Command {
	dataCmd := &cobra.Command{Use: "data", Short: "bulk data scan jobs"}
	var candidates string

	rereplicateCmd := &cobra.Command{
		Use:   "rereplicate",
		Short: "restore replica durability across the whole extents keyspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			cands, err := parseUint32List(candidates)
			if err != nil {
				return err
			}
			return fs.Rereplicate(fskey.PosMin, fskey.PosMax, cands, progressPrinter(cmd))
		},
	}
	rereplicateCmd.Flags().StringVar(&candidates, "candidates", "", "comma-separated candidate member indices")

	scrubCmd := &cobra.Command{
		Use:   "scrub",
		Short: "verify every replica's checksum (reserved)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Scrub(progressPrinter(cmd))
		},
	}

	rewriteOldNodesCmd := &cobra.Command{
		Use:   "rewrite-old-nodes",
		Short: "compact every btree node still carrying more than one bset",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.RewriteOldNodes(fskey.PosMin, fskey.PosMax, progressPrinter(cmd))
		},
	}

	var copygcThreshold float64
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "run one round of the background maintenance jobs (copygc, then discard) inline",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			if err := fs.RunCopygcPass(copygcThreshold); err != nil {
				return err
			}
			if err := fs.RunDiscardPass(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "maintenance pass complete")
			return nil
		},
	}
	jobCmd.Flags().Float64Var(&copygcThreshold, "copygc-threshold", 0.5,
		"rewrite buckets whose live-data fraction is below this")

	dataCmd.AddCommand(rereplicateCmd, scrubCmd, rewriteOldNodesCmd, jobCmd)
	return dataCmd
}

func newSubvolumeCmd() *cobra.Command {
	svCmd := &cobra.Command{Use: "subvolume", Short: "subvolume lifecycle operations"}

	createCmd := &cobra.Command{
		Use:   "create ROOTINODE NAME",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inode, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.SubvolumeCreate(inode, args[1])
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ROOTINODE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inode, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.SubvolumeDestroy(inode)
		},
	}

	var readonly bool
	var snapshotID uint32
	snapshotCmd := &cobra.Command{
		Use:   "snapshot SRCROOTINODE DSTROOTINODE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			dst, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.SubvolumeSnapshot(src, dst, readonly, snapshotID)
		},
	}
	snapshotCmd.Flags().BoolVar(&readonly, "readonly", false, "create the snapshot read-only")
	snapshotCmd.Flags().Uint32Var(&snapshotID, "snapshot-id", 1, "new snapshot id to assign")

	svCmd.AddCommand(createCmd, deleteCmd, snapshotCmd)
	return svCmd
}

func newMigrateCmd() *cobra.Command {
	var candidates string
	cmd := &cobra.Command{
		Use:   "migrate FROMIDX",
		Short: "evacuate one member's extents onto --candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			cands, err := parseUint32List(candidates)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Migrate(idx, cands, progressPrinter(cmd))
		},
	}
	cmd.Flags().StringVar(&candidates, "candidates", "", "comma-separated candidate member indices")
	return cmd
}

// newMigrateSuperblockCmd rewrites every member's superblock with
// the current in-memory layout: a no-op beyond WriteSuper, kept as
// its own subcommand so scripts that always run it after a version
// bump have something to call.
func newMigrateSuperblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-superblock",
		Short: "rewrite every member's superblock in the current layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			for idx, h := range fs.Supers {
				if err := h.WriteSuper(); err != nil {
					return fmt.Errorf("member %d: %w", idx, err)
				}
			}
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	var btreeName string
	var start, end string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "print every key of one btree in a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBTreeID(btreeName)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			s := fskey.PosMin
			e := fskey.PosMax
			if start != "" {
				if v, err := strconv.ParseUint(start, 10, 64); err == nil {
					s = fskey.Position{Inode: v}
				}
			}
			if end != "" {
				if v, err := strconv.ParseUint(end, 10, 64); err == nil {
					e = fskey.Position{Inode: v}
				}
			}
			keys, err := fs.Dump(id, s, e)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", k.Pos, k.Type)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&btreeName, "btree", "extents", "btree to dump")
	cmd.Flags().StringVar(&start, "s", "", "range start inode (optional, defaults to PosMin)")
	cmd.Flags().StringVar(&end, "e", "", "range end inode (optional, defaults to PosMax)")
	return cmd
}

func newListCmd() *cobra.Command {
	var btreeName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "print every key of one btree",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBTreeID(btreeName)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			keys, err := fs.List(id)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", k.Pos, k.Type)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&btreeName, "btree", "extents", "btree to list")
	return cmd
}

// newListJournalCmd prints the journal's on-disk entries by replaying
// them into a throwaway collector rather than applying them to the
// live trees: a read-only variant of the
// same journal.Replay walk Mount performs.
func newListJournalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list_journal",
		Short: "print the journal's on-disk entries without replaying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Journal.Replay(func(rec journal.EntryRecord) error {
				fmt.Fprintf(cmd.OutOrStdout(), "btree=%s pos=%s delete=%v\n", rec.BTreeID, rec.Key.Pos, rec.Delete)
				return nil
			})
		},
	}
}

// writeKeyMatToEveryMember propagates the primary member's just-set
// KeyMat to every other member's in-memory Super and persists all of
// them, so any member's superblock alone is enough to unwrap the
// filesystem's key.
func writeKeyMatToEveryMember(fs *ops.Filesystem) error {
	primary, ok := fs.Supers[fs.Primary]
	if !ok {
		return fmt.Errorf("no superblock for primary member %d", fs.Primary)
	}
	for idx, h := range fs.Supers {
		if idx != fs.Primary {
			h.Super.KeyMat = primary.Super.KeyMat
		}
		if err := h.WriteSuper(); err != nil {
			return fmt.Errorf("write superblock for member %d: %w", idx, err)
		}
	}
	return nil
}

func newSetPassphraseCmd() *cobra.Command {
	var password, oldPassword string
	cmd := &cobra.Command{
		Use:   "set-passphrase",
		Short: "wrap the filesystem's encryption key with a new passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			sb := fs.Supers[fs.Primary].Super
			if sb.KeyMat == nil {
				err = sb.SetPassphrase([]byte(password))
			} else {
				if oldPassword == "" {
					return fmt.Errorf("--old-password is required to rotate an existing passphrase")
				}
				err = sb.ChangePassphrase([]byte(oldPassword), []byte(password))
			}
			if err != nil {
				return err
			}
			if err := writeKeyMatToEveryMember(fs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "passphrase set")
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "current passphrase, required when rotating")
	cmd.Flags().StringVar(&password, "password", "", "new encryption passphrase")
	return cmd
}

func newRemovePassphraseCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "remove-passphrase",
		Short: "store the filesystem's encryption key unwrapped",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			if err := fs.Supers[fs.Primary].Super.RemovePassphrase([]byte(password)); err != nil {
				return err
			}
			if err := writeKeyMatToEveryMember(fs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "passphrase removed")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "current encryption passphrase")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "unwrap the filesystem's encryption key with a passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			if _, err := fs.Supers[fs.Primary].Super.Unlock([]byte(password)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "encryption passphrase")
	return cmd
}

func newSetattrCmd() *cobra.Command {
	var isDir bool
	cmd := &cobra.Command{
		Use:   "setattr INODE NAME VALUE",
		Short: "set a cowfs.* option override on an inode",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			inode, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.SetAttr(inode, args[1], args[2], isDir)
		},
	}
	cmd.Flags().BoolVar(&isDir, "dir", false, "inode is a directory; reinherit the override to its descendants")
	return cmd
}

func newFusemountCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "fusemount MOUNTPOINT",
		Short: "mount the filesystem at MOUNTPOINT via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := mountFS()
			if err != nil {
				return err
			}
			defer fs.Close()
			var fopts fuseadapter.Options
			if password != "" {
				key, err := fs.Supers[fs.Primary].Super.Unlock([]byte(password))
				if err != nil {
					return err
				}
				fopts.EncryptCodec = codec.EncryptingCodec{}.InitWithKey(key)
			}
			mlog.Printf2("cmd/cowfsctl", "fusemount %s", args[0])
			server, err := fuseadapter.MountServer(fs, args[0], fopts)
			if err != nil {
				return err
			}
			server.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "encryption passphrase, required if the filesystem has key material set")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the cowfsctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "cowfsctl 0.1.0")
			return nil
		},
	}
}

func progressPrinter(cmd *cobra.Command) func(ops.Progress) {
	return func(p ops.Progress) {
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d fixed=%d\n", p.Processed, p.Fixed)
	}
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

func parseUint32List(s string) ([]uint32, error) {
	if s == "" {
		return nil, fmt.Errorf("no candidate member indices given")
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		n, err := parseUint32(part)
		if err != nil {
			return nil, fmt.Errorf("malformed member index %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseMemberState(s string) (superblock.MemberState, error) {
	switch s {
	case "rw":
		return superblock.StateRW, nil
	case "ro":
		return superblock.StateRO, nil
	case "failed":
		return superblock.StateFailed, nil
	case "spare":
		return superblock.StateSpare, nil
	}
	return 0, fmt.Errorf("unknown member state %q", s)
}

func parseBTreeID(s string) (fskey.BTreeID, error) {
	for _, id := range fskey.AllBTreeIDs() {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown btree %q", s)
}
