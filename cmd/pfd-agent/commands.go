package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/pfd-agent/internal/config"
	"github.com/postalsys/pfd-agent/internal/control"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/mesh"
	"github.com/postalsys/pfd-agent/internal/peer"
	"github.com/postalsys/pfd-agent/internal/sysinfo"
)

// commandTimeout bounds one control socket round trip.
const commandTimeout = 15 * time.Second

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// withClient runs fn against the control socket of the running agent.
func withClient(socketPath string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	return fn(ctx, c)
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st, time.Now())
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, st *control.StatusResponse, now time.Time) {
	fmt.Fprintf(w, "Node:        %s (%s)\n", st.Self.Name, st.Self.ID)
	if st.Fingerprint != "" {
		fmt.Fprintf(w, "Fingerprint: %s\n", st.Fingerprint)
	}
	fmt.Fprintf(w, "Version:     %s\n", st.Version)
	fmt.Fprintf(w, "Overlay:     %s\n", st.Stats.Overlay)
	fmt.Fprintf(w, "Presence:    %s\n", st.Presence)
	fmt.Fprintf(w, "Peers:       %d (%d online)\n", st.Stats.Peers, st.Stats.PeersOnline)

	switch {
	case st.Stats.ActivePeer == "":
		fmt.Fprintln(w, "Active peer: none")
	case st.Stats.Forwarding:
		fmt.Fprintf(w, "Active peer: %s, forwarding on 127.0.0.1:%s\n", st.Stats.ActivePeer, st.Stats.ActivePort)
	default:
		fmt.Fprintf(w, "Active peer: %s, not forwarding\n", st.Stats.ActivePeer)
	}

	if st.Stats.Uptime > 0 {
		fmt.Fprintf(w, "Started:     %s\n", humanize.RelTime(now.Add(-st.Stats.Uptime), now, "ago", "from now"))
	}
}

func peersCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List paired peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Peers(ctx)
				if err != nil {
					return err
				}
				if len(resp.Peers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No paired peers.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), peersTable(resp.Peers, time.Now()))
				return nil
			})
		},
	}
}

func peersTable(peers []peer.Snapshot, now time.Time) string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		forwarding := "-"
		if p.Forwarding {
			forwarding = "since " + humanize.RelTime(p.ForwardingSince, now, "ago", "from now")
		}
		port := p.Port
		if port == "" {
			port = "-"
		}
		rows = append(rows, []string{
			identity.ShortID(p.ID),
			p.Name,
			p.State,
			p.Presence,
			port,
			forwarding,
		})
	}
	return renderTable([]string{"ID", "NAME", "STATE", "PRESENCE", "PORT", "FORWARDING"}, rows)
}

func linksCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List live overlay links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Links(ctx)
				if err != nil {
					return err
				}
				if len(resp.Links) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No links.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), linksTable(resp.Links))
				return nil
			})
		},
	}
}

func linksTable(links []mesh.LinkInfo) string {
	rows := make([][]string, 0, len(links))
	for _, l := range links {
		dir := "in"
		if l.Dialer {
			dir = "out"
		}
		friend := "no"
		if l.Friend {
			friend = "yes"
		}
		rows = append(rows, []string{identity.ShortID(l.ID), l.Name, l.Transport, dir, l.Address, friend})
	}
	return renderTable([]string{"ID", "NAME", "TRANSPORT", "DIR", "ADDRESS", "FRIEND"}, rows)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderRow(false).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func activeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "active <peer-id>",
		Short: "Make a peer the active forwarding target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.SetActive(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active peer set to %s\n", args[0])
				return nil
			})
		},
	}
}

func portCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "port <peer-id> [port]",
		Short: "Pin the local port of a peer, or clear the pin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port string
			if len(args) == 2 {
				port = args[1]
			}
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.SetPort(ctx, args[0], port); err != nil {
					return err
				}
				if port == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Port pin cleared for %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Port %s pinned for %s\n", port, args[0])
				}
				return nil
			})
		},
	}
}

func pairCmd(socketPath *string) *cobra.Command {
	var phrase string

	cmd := &cobra.Command{
		Use:   "pair <peer-id>",
		Short: "Send a pairing request to a peer",
		Long: `Send a pairing request to a peer. The pairing phrase is the one the
peer's operator configured with "pfd-agent hash-secret". It is prompted for
unless --phrase is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if phrase == "" {
				var err error
				phrase, err = readPhrase(os.Stdin, cmd.ErrOrStderr(), "Pairing phrase: ", false)
				if err != nil {
					return err
				}
			}
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.Pair(ctx, args[0], phrase); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pairing request sent to %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&phrase, "phrase", "", "Pairing phrase (prompted when omitted)")

	return cmd
}

func unpairCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <peer-id>",
		Short: "Remove a peer from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.Unpair(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s\n", args[0])
				return nil
			})
		},
	}
}

func presenceCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "presence <none|away|busy>",
		Short:     "Announce presence to paired peers",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"none", "away", "busy"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.SetPresence(ctx, strings.ToLower(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Presence set to %s\n", strings.ToLower(args[0]))
				return nil
			})
		},
	}
}

func infoCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show local node and host information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Agent.DataDir = dataDir

			w := cmd.OutOrStdout()
			if id, err := identity.Load(cfg.OverlayDir()); err == nil {
				fmt.Fprintf(w, "Node ID:   %s\n", id.String())
			} else {
				fmt.Fprintf(w, "Node ID:   not initialized (run \"pfd-agent init\")\n")
			}

			info := sysinfo.Collect()
			fmt.Fprintf(w, "Hostname:  %s\n", info.Hostname)
			fmt.Fprintf(w, "Platform:  %s/%s\n", info.OS, info.Arch)
			fmt.Fprintf(w, "Version:   %s\n", info.Version)
			if len(info.IPAddresses) > 0 {
				fmt.Fprintf(w, "Addresses: %s\n", strings.Join(info.IPAddresses, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func probeCmd() *cobra.Command {
	var opts mesh.ProbeOptions

	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Test connectivity to a node",
		Long: `Dial a node with a throwaway identity and exchange the link handshake.
The address is a QUIC host:port or a ws:// or wss:// URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			res := mesh.Probe(cmd.Context(), opts)
			printProbe(cmd.OutOrStdout(), res)
			if !res.Success {
				return fmt.Errorf("probe failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ExpectID, "expect-id", "", "Fail unless the node has this id")
	cmd.Flags().StringVar(&opts.ProxyURL, "proxy", "", "HTTP proxy for wss:// addresses")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Probe timeout")

	return cmd
}

func printProbe(w io.Writer, res *mesh.ProbeResult) {
	fmt.Fprintf(w, "Address:     %s (%s)\n", res.Address, res.Transport)
	if !res.Success {
		fmt.Fprintf(w, "Result:      FAILED - %s\n", res.ErrorDetail)
		return
	}
	fmt.Fprintln(w, "Result:      OK")
	fmt.Fprintf(w, "Node ID:     %s\n", res.RemoteID)
	if res.RemoteName != "" {
		fmt.Fprintf(w, "Name:        %s\n", res.RemoteName)
	}
	fmt.Fprintf(w, "Fingerprint: %s\n", res.Fingerprint)
	fmt.Fprintf(w, "RTT:         %s\n", res.RTT.Round(time.Microsecond))
}
