package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// print writes data as JSON or YAML, or calls text for the text format.
func (a *app) print(w io.Writer, data interface{}, text func(io.Writer)) error {
	switch a.cfg.Output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		// Round trip through JSON so keys match the API field names.
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	text(w)
	return nil
}

func printAlertTable(w io.Writer, alerts []*types.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headers := []string{"ID", "TIME", "TYPE", "SEVERITY", "SOURCE", "CONFIDENCE", "ATTACK"}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	sep := make([]string, len(headers))
	for i, h := range headers {
		sep[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(sep, "\t"))
	for _, al := range alerts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.4f\t%s\n",
			al.ID, al.Timestamp.Format("2006-01-02 15:04:05"), al.AlertType, al.Severity,
			al.SourceIP, al.Confidence, al.AttackType)
	}
	tw.Flush()
}

func printAlert(w io.Writer, al *types.Alert) {
	if al == nil {
		fmt.Fprintln(w, "No threat detected.")
		return
	}
	fmt.Fprintf(w, "ALERT #%d [%s] %s\n", al.ID, al.Severity, al.AttackType)
	fmt.Fprintf(w, "  type:       %s\n", al.AlertType)
	fmt.Fprintf(w, "  detector:   %s\n", al.Detector)
	fmt.Fprintf(w, "  confidence: %.4f\n", al.Confidence)
	fmt.Fprintf(w, "  source:     %s\n", al.SourceIP)
	fmt.Fprintf(w, "  payload:    %s\n", al.Payload)
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	fmt.Fprintf(w, "%s:\n", title)
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k, counts[k])
	}
}
