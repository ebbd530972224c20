package main

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/version"
	"github.com/spf13/cobra"
)

func newObjectCmd(a *app) *cobra.Command {
	objectCmd := &cobra.Command{
		Use:   "object",
		Short: "Store, read and delete objects",
		Long: `Store, read and delete objects. A tenant id of "-" addresses the global
scope.

Examples:
  # Upload a file
  maxiofs-meta object put acme photos cat.jpg ./cat.jpg

  # Upload from stdin with user metadata
  tar cz . | maxiofs-meta object put acme backups site.tgz - --meta owner=ops

  # Read a specific version
  maxiofs-meta object get acme photos cat.jpg --version 01J... -o cat.jpg

  # Show every version and delete marker
  maxiofs-meta object versions acme photos`,
	}

	var (
		contentType string
		metadata    map[string]string
	)
	putCmd := &cobra.Command{
		Use:   "put <tenant-id> <bucket> <key> <file|->",
		Short: "Upload an object",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			var (
				content io.Reader
				size    int64
			)
			if args[3] == "-" {
				var buf bytes.Buffer
				if _, err := io.Copy(&buf, cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content, size = &buf, int64(buf.Len())
			} else {
				f, err := os.Open(args[3])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				content, size = f, info.Size()
			}
			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(args[2]))
			}
			v, err := eng.mgr.PutObject(cmd.Context(), tenantArg(args[0]), args[1], args[2], content, size,
				lifecycle.PutOptions{ContentType: ct, Metadata: metadata})
			if err != nil {
				return err
			}
			return a.emit(cmd, v, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Stored %s (%s, version %s)\n", v.Key, formatBytes(v.Size), v.VersionID)
				return err
			})
		},
	}
	putCmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from the key when empty)")
	putCmd.Flags().StringToStringVar(&metadata, "meta", nil, "user metadata as key=value pairs")

	var (
		getVersion string
		outFile    string
	)
	getCmd := &cobra.Command{
		Use:   "get <tenant-id> <bucket> <key>",
		Short: "Download an object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			rc, v, err := eng.mgr.OpenObject(cmd.Context(), tenantArg(args[0]), args[1], args[2], getVersion)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			var out io.Writer = cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			n, err := io.Copy(out, rc)
			if err != nil {
				return fmt.Errorf("copy %s: %w", v.Key, err)
			}
			if n != v.Size {
				return fmt.Errorf("short read of %s: got %d of %d bytes", v.Key, n, v.Size)
			}
			if outFile != "" {
				_, err = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to %s\n", formatBytes(n), outFile)
			}
			return err
		},
	}
	getCmd.Flags().StringVar(&getVersion, "version", "", "version id (default: current)")
	getCmd.Flags().StringVarP(&outFile, "output", "o", "", "write to a file instead of stdout")

	var (
		prefix  string
		after   string
		maxKeys int
	)
	lsCmd := &cobra.Command{
		Use:     "list <tenant-id> <bucket>",
		Aliases: []string{"ls"},
		Short:   "List current objects",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			listing, err := eng.mgr.ListObjects(cmd.Context(), tenantArg(args[0]), args[1],
				version.ListOptions{Prefix: prefix, After: after, MaxKeys: maxKeys})
			if err != nil {
				return err
			}
			return a.emit(cmd, listing, func(w io.Writer) error {
				if len(listing.Objects) == 0 {
					_, err := fmt.Fprintln(w, "No objects found")
					return err
				}
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "KEY\tSIZE\tVERSION\tMODIFIED")
				for _, o := range listing.Objects {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Key, formatBytes(o.Size), o.VersionID, formatTime(o.CreatedAt))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if listing.NextAfter != "" {
					_, _ = fmt.Fprintf(w, "\nMore results: --after %q\n", listing.NextAfter)
				}
				return nil
			})
		},
	}
	lsCmd.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix")
	lsCmd.Flags().StringVar(&after, "after", "", "continue after this key")
	lsCmd.Flags().IntVar(&maxKeys, "max-keys", 1000, "page size (0 = unlimited)")

	var versionPrefix string
	versionsCmd := &cobra.Command{
		Use:   "versions <tenant-id> <bucket>",
		Short: "List every object version and delete marker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			versions, err := eng.mgr.ListObjectVersions(cmd.Context(), tenantArg(args[0]), args[1], versionPrefix)
			if err != nil {
				return err
			}
			return a.emit(cmd, versions, func(w io.Writer) error {
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "KEY\tVERSION\tLATEST\tSIZE\tMODIFIED")
				for _, v := range versions {
					size := formatBytes(v.Size)
					if v.DeleteMarker {
						size = "(delete marker)"
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", v.Key, v.VersionID, v.IsLatest, size, formatTime(v.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
	versionsCmd.Flags().StringVar(&versionPrefix, "prefix", "", "only keys with this prefix")

	var rmVersion string
	rmCmd := &cobra.Command{
		Use:     "delete <tenant-id> <bucket> <key>",
		Aliases: []string{"rm"},
		Short:   "Delete an object or one of its versions",
		Long: `Delete an object. In a versioned bucket this adds a delete marker unless
--version names a version to remove permanently.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			res, err := eng.mgr.DeleteObject(cmd.Context(), tenantArg(args[0]), args[1], args[2], rmVersion)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) error {
				if res.DeleteMarker {
					_, _ = fmt.Fprintf(w, "Added delete marker %s\n", res.VersionID)
				} else {
					_, _ = fmt.Fprintf(w, "Deleted version %s\n", res.VersionID)
				}
				if res.Promoted != "" {
					_, _ = fmt.Fprintf(w, "Version %s is now current\n", res.Promoted)
				}
				return nil
			})
		},
	}
	rmCmd.Flags().StringVar(&rmVersion, "version", "", "remove this version permanently")

	objectCmd.AddCommand(putCmd, getCmd, lsCmd, versionsCmd, rmCmd)
	return objectCmd
}
