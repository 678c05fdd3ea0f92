package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"fedstate/internal/federation"
	"fedstate/internal/store"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

// stateColor picks the colour of a sub-cluster state: green when
// routable, yellow while still live, red once gone.
func stateColor(s federation.SubClusterState) *color.Color {
	switch {
	case s.Active():
		return green
	case s.Live():
		return yellow
	default:
		return red
	}
}

func printSuccess(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

func printError(w io.Writer, err error) {
	switch store.KindOf(err) {
	case store.KindNotFound:
		yellow.Fprintf(w, "not found: %v\n", err)
	case store.KindAlreadyExists:
		yellow.Fprintf(w, "already exists: %v\n", err)
	default:
		red.Fprintf(w, "error: %v\n", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printSubClusters(w io.Writer, infos []federation.SubClusterInfo) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTATE\tLAST HEARTBEAT\tAMRM\tCLIENT RM\tCAPABILITY")
	for _, info := range infos {
		hb := faint.Sprint("never")
		if !info.LastHeartbeat.IsZero() {
			hb = info.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID, stateColor(info.State).Sprint(info.State), hb,
			info.AMRMServiceAddress, info.ClientRMServiceAddress, info.Capability)
	}
	return tw.Flush()
}

func printApps(w io.Writer, homes []federation.ApplicationHomeSubCluster) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "APPLICATION\tHOME")
	for _, h := range homes {
		fmt.Fprintf(tw, "%s\t%s\n", h.ApplicationID, h.HomeSubCluster)
	}
	return tw.Flush()
}

func printPolicies(w io.Writer, ps []federation.PolicyConfiguration) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "QUEUE\tTYPE\tPARAMS")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%d bytes\n", p.Queue, p.Type, len(p.Params))
	}
	return tw.Flush()
}
