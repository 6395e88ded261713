package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bpftraced/pkg/client"
)

// CreateFlags holds flags for the create command
type CreateFlags struct {
	File       string
	Code       string
	Username   string
	Persistent bool
	NoStart    bool
}

func createCreateCommand(g *GlobalFlags) *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a bpftrace script",
		Long: `Create a script from a file (or stdin with --file=-) or inline code and start it.

Examples:
  bpftraced create --file=tcpconnect.bt --username=admin
  bpftraced create --code='profile:hz:99 { @samples = count(); }' --username=admin --no-start`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := readCode(cmd.InOrStdin(), f)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			req := client.CreateRequest{Code: code, Username: f.Username, Persistent: f.Persistent}
			if f.NoStart {
				start := false
				req.Start = &start
			}
			s, err := c.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.File, "file", "", "bpftrace script file, - for stdin")
	cmd.Flags().StringVar(&f.Code, "code", "", "inline bpftrace code")
	cmd.Flags().StringVar(&f.Username, "username", currentUser(), "user the script runs for")
	cmd.Flags().BoolVar(&f.Persistent, "persistent", false, "keep the script across idle expiry and restarts")
	cmd.Flags().BoolVar(&f.NoStart, "no-start", false, "create the script without starting it")
	return cmd
}

func readCode(stdin io.Reader, f *CreateFlags) (string, error) {
	switch {
	case f.File != "" && f.Code != "":
		return "", errors.New("only one of --file and --code may be given")
	case f.Code != "":
		return f.Code, nil
	case f.File == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case f.File != "":
		b, err := os.ReadFile(f.File)
		if err != nil {
			return "", fmt.Errorf("read script: %w", err)
		}
		return string(b), nil
	}
	return "", errors.New("one of --file or --code is required")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "admin"
}

// ListFlags holds flags for the list command
type ListFlags struct {
	Offset int
	Limit  int
	JSON   bool
}

func createListCommand(g *GlobalFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scripts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			page, err := c.List(cmd.Context(), f.Offset, f.Limit)
			if err != nil {
				return err
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), page)
				return nil
			}
			printTable(cmd.OutOrStdout(), page)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "skip this many scripts")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "page size (max 100)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func printTable(w io.Writer, page client.ScriptList) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tUSER\tSTATUS\tPID\tRECORDS\tIDLE")
	for _, s := range page.Scripts {
		name := s.Metadata.Name
		if name == "" {
			name = "-"
		}
		idle := time.Since(s.LastAccessedAt).Truncate(time.Second)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, name, s.Username, s.State.Status, s.State.PID, s.State.Stats.Records, idle)
	}
	_ = tw.Flush()
	if page.Offset+len(page.Scripts) < page.Total {
		_, _ = fmt.Fprintf(w, "(%d of %d, use --offset=%d for more)\n", len(page.Scripts), page.Total, page.Offset+len(page.Scripts))
	}
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Vars bool
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status <script-id>",
		Short: "Show a script and its live data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			s, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if f.Vars {
				printVars(cmd.OutOrStdout(), s)
				return nil
			}
			printJSON(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.Vars, "vars", false, "print only variable values, one per line")
	return cmd
}

func printVars(w io.Writer, s client.Script) {
	names := make([]string, 0, len(s.State.Data))
	for n := range s.State.Data {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintf(w, "%s = %s\n", n, compactJSON(s.State.Data[n]))
	}
	if s.State.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", s.State.Error)
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return idCommand(g, "start", "Start a stopped or failed script", func(cmd *cobra.Command, c *client.Client, id string) error {
		s, err := c.Start(cmd.Context(), id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.ID, s.State.Status)
		return nil
	})
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return idCommand(g, "stop", "Stop a running script", func(cmd *cobra.Command, c *client.Client, id string) error {
		s, err := c.Stop(cmd.Context(), id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.ID, s.State.Status)
		return nil
	})
}

func createDeleteCommand(g *GlobalFlags) *cobra.Command {
	return idCommand(g, "delete", "Stop and remove a script", func(cmd *cobra.Command, c *client.Client, id string) error {
		if err := c.Delete(cmd.Context(), id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", id)
		return nil
	})
}

func createHistoryCommand(g *GlobalFlags) *cobra.Command {
	var limit int
	cmd := idCommand(g, "history", "Show lifecycle events of a script", func(cmd *cobra.Command, c *client.Client, id string) error {
		events, err := c.History(cmd.Context(), id, limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %-8s  status=%s pid=%d exit=%d", e.OccurredAt.Format(time.RFC3339), e.Type, e.Status, e.PID, e.ExitCode)
			if e.Error != "" {
				line += "  " + strings.TrimSpace(e.Error)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	})
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func idCommand(g *GlobalFlags, name, short string, run func(*cobra.Command, *client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <script-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			return run(cmd, c, args[0])
		},
	}
}

func createVersionCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bpftraced version and the daemon's bpftrace runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "bpftraced %s\n", version)
			c, err := g.client()
			if err != nil {
				return err
			}
			rt, err := c.Runtime(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(out, "daemon: unreachable (%v)\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "bpftrace %s (compatible: %t)\n", rt.Version, rt.Compatible)
			if rt.Reason != "" {
				_, _ = fmt.Fprintf(out, "  %s\n", rt.Reason)
			}
			return nil
		},
	}
}
